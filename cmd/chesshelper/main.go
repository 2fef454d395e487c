package main

import "github.com/ililio1/chesshelper/internal/cli"

func main() {
	cli.Execute()
}
