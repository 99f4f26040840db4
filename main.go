package main

import (
	"github.com/sirupsen/logrus"

	"github.com/WenyuanLau/stratovirt/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		logrus.Fatal(err)
	}
}
