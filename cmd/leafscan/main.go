package main

import "github.com/MeKo-Tech/leafscan/cmd/leafscan/cmd"

func main() {
	cmd.Execute()
}
