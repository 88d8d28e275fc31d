// Command mgmtctl runs and talks to management protocol servers.
package main

import "github.com/strand-protocol/strand/mgmtapi/pkg/cli"

func main() {
	cli.Execute()
}
