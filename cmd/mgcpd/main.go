// mgcpd MGCP call agent со встроенным коммутатором
package main

func main() {
	Execute()
}
