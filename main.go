/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/hibiki-player/hibiki/cmd"

func main() {
	cmd.Execute()
}
