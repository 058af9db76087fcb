/*
Copyright © 2025 AceTeam <dev@aceteam.ai>
*/
package main

import "github.com/aceteam-ai/narrator-cli/cmd"

func main() {
	cmd.Execute()
}
