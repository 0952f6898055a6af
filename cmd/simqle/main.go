// simqle is a small client for the named connections in a connections file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ZackBotkin/SimQLe/pkg/connections"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "connections":
		err = commandConnections(args)
	case "query":
		err = commandQuery(args)
	case "exec":
		err = commandExec(args)
	case "ping":
		err = commandPing(args)
	case "version", "--version", "-v":
		fmt.Printf("simqle %s\n", buildVersion)
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`simqle <command> [flags]

Commands:
  connections  list the named connections
  query        run a SELECT and print the recordset
  exec         run a statement inside a transaction
  ping         check a connection
  version      print the version`)
}

func openManager(path string) (*connections.Manager, error) {
	return connections.NewManager(path)
}

func commandConnections(args []string) error {
	fs := flag.NewFlagSet("connections", flag.ExitOnError)
	file := fs.String("file", "", "connections file (default: standard locations)")
	fs.Parse(args)

	manager, err := openManager(*file)
	if err != nil {
		return err
	}
	defer manager.Close()

	fmt.Printf("connections from %s:\n", manager.Source())
	for _, name := range manager.Names() {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

func commandQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	file := fs.String("file", "", "connections file (default: standard locations)")
	name := fs.String("c", "", "connection name")
	asJSON := fs.Bool("json", false, "print the recordset as JSON")
	timeout := fs.Duration("timeout", 30*time.Second, "query timeout")
	fs.Parse(args)

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *name == "" || query == "" {
		return fmt.Errorf("usage: simqle query -c <connection> <sql>")
	}

	manager, err := openManager(*file)
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rs, err := manager.Recordset(ctx, *name, query)
	if err != nil {
		return err
	}
	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(rs)
	}
	printRecordset(rs)
	return nil
}

func printRecordset(rs *connections.Recordset) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(rs.Columns, "\t"))
	for _, row := range rs.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			if value == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(value)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	w.Flush()
	fmt.Printf("(%d rows)\n", len(rs.Rows))
}

func commandExec(args []string) error {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	file := fs.String("file", "", "connections file (default: standard locations)")
	name := fs.String("c", "", "connection name")
	timeout := fs.Duration("timeout", 30*time.Second, "statement timeout")
	fs.Parse(args)

	stmt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *name == "" || stmt == "" {
		return fmt.Errorf("usage: simqle exec -c <connection> <sql>")
	}

	manager, err := openManager(*file)
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	affected, err := manager.ExecuteSQL(ctx, *name, stmt)
	if err != nil {
		return err
	}
	fmt.Printf("ok (%d rows affected)\n", affected)
	return nil
}

func commandPing(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	file := fs.String("file", "", "connections file (default: standard locations)")
	name := fs.String("c", "", "connection name")
	timeout := fs.Duration("timeout", 5*time.Second, "ping timeout")
	fs.Parse(args)

	if *name == "" {
		return fmt.Errorf("usage: simqle ping -c <connection>")
	}

	manager, err := openManager(*file)
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := manager.Ping(ctx, *name); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", *name)
	return nil
}
