package main

import "github.com/draftsync/draftsync/internal/cli"

func main() {
	cli.Execute()
}
