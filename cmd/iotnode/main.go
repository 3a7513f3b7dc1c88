// Command iotnode runs a device group node and talks to running nodes.
package main

func main() {
	Execute()
}
