// Command dmthin manages thin-provisioned block storage: pools built on
// loop-device backing stores, thin volumes carved from them, and
// copy-on-write snapshots.
package main

import (
	"github.com/sirupsen/logrus"

	"github.com/superfly/dmthin/cmd/dmthin/commands"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	commands.Execute()
}
