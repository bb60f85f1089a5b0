package main

import "github.com/shmooki/royal-mail-ship/cmd"

func main() {
	cmd.Execute()
}
