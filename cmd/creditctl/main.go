package main

import "github.com/surahj/ai-interviewer/internal/cli"

func main() {
	cli.Execute()
}
