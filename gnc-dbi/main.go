// Command gnc-dbi inspects and maintains book stores kept in SQLite3, MySQL or PostgreSQL.
package main

import (
	"io"
	"os"
)

// newCLI wires every command; command output goes to out
func newCLI(out io.Writer) *CLI {
	var cli = &CLI{}
	cli.Init("gnc-dbi", &CommonOpts{})
	cli.SetUsage("[OPTIONS] <command> --locator LOCATOR")

	var a = &app{cli: cli, out: out}
	cli.AddCommand("info", "describe a store", "Print dialect, tables, indexes, lock holders, schema versions and statistics.", &infoCommand{app: a})
	cli.AddCommand("create", "create an empty store", "Create the database or file and write the version rows; --force overwrites an existing store.", &createCommand{app: a})
	cli.AddCommand("break-lock", "remove a stale lock", "Take the lock regardless of its holder, then release it.", &breakLockCommand{app: a})
	cli.AddCommand("numtest", "run the large number test", "Check that the driver round-trips 64-bit integers and doubles.", &numtestCommand{app: a})

	return cli
}

func main() {
	os.Exit(newCLI(os.Stdout).Run(os.Args[1:]))
}
