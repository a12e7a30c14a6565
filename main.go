package main

import "github.com/tslb-project/clusterproxy/cmd"

func main() {
	cmd.Execute()
}
