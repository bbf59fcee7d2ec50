// Writer handles write traffic of the OpenOn letters application. Multiple
// writers form the service component handling the application's mutations.
package main

import (
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := serve(); err != nil {
		log.WithError(err).Fatal("error running writer server")
	}
}
