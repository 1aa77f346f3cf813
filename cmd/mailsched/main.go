package main

import "github.com/example/sheet-mailer/cmd"

func main() {
	cmd.Execute()
}
