package main

import "go.gazette.dev/binlog/cmd/binlogctl/binlogctlcmd"

func main() { binlogctlcmd.Execute() }
