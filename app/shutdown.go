/*
 Copyright © 2020 The OpenEBS Authors

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package app

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

var (
	hooksLock sync.Mutex
	hooks = []func(){}
)

// addShutdown runs f when the daemon is asked to stop.
func addShutdown(f func()) {
	hooksLock.Lock()
	defer hooksLock.Unlock()
	if len(hooks) == 0 {
		registerShutdown()
	}

	hooks = append(hooks, f)
}

func runHooks() {
	hooksLock.Lock()
	defer hooksLock.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

func registerShutdown() {
	c := make(chan os.Signal, 1024)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-c
		logrus.Infof("Received %v, shutting down", sig)
		runHooks()
		os.Exit(0)
	}()
}
