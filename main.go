package main

import "github.com/andresmejia3/dashlink/cmd"

func main() {
	cmd.Execute()
}
