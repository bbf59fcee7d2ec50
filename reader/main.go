// Reader handles read traffic of the OpenOn letters application. Multiple
// readers form the service component handling the application's queries.
package main

import (
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := serve(); err != nil {
		log.WithError(err).Fatal("error running reader server")
	}
}
