package main

import "github.com/CrisisCore-Systems/pain-tracker-sub010/cli/cmd"

func main() {
	cmd.Execute()
}
