// Command thin-ctl sends a single administrative message (spec.md §6) to
// a running thin-pool-daemon over its Unix domain socket and prints the
// reply.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"
)

func main() {
	var (
		socketPath = flag.String("socket", "/tmp/thin-pool.sock", "administrative message channel socket")
		timeout    = flag.Duration("timeout", 5*time.Second, "connection timeout")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: thin-ctl [-socket path] <cmd> [args...]")
		fmt.Fprintln(os.Stderr, "commands: create_thin <dev_id> | create_snap <dev_id> <origin_id> |")
		fmt.Fprintln(os.Stderr, "          delete <dev_id> | trim <dev_id> <size_sectors> |")
		fmt.Fprintln(os.Stderr, "          set_transaction_id <old> <new>")
		os.Exit(2)
	}
	cmdLine := strings.Join(flag.Args(), " ")

	conn, err := net.DialTimeout("unix", *socketPath, *timeout)
	if err != nil {
		log.Fatalf("thin-ctl: connecting to %s: %v", *socketPath, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, cmdLine); err != nil {
		log.Fatalf("thin-ctl: sending command: %v", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		log.Fatalf("thin-ctl: reading reply: %v", err)
	}
	reply = strings.TrimSuffix(reply, "\n")

	fmt.Println(reply)
	if strings.HasPrefix(reply, "error:") {
		os.Exit(1)
	}
}
