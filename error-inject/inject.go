// +build debug

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

package inject

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var dropped int32

func IsDebugBuild() bool {
	ok := os.Getenv("IS_DEBUG_BUILD")
	if ok == "True" {
		return true
	}
	return false
}

func AddConnectDelay() {
	timeout, _ := strconv.Atoi(os.Getenv("DEBUG_CONNECT_DELAY"))
	if timeout == 0 {
		return
	}
	logrus.Infof("Add connect delay of %vs for debug build", timeout)
	time.Sleep(time.Duration(timeout) * time.Second)
}

func AddWriteDelay() {
	timeout, _ := strconv.Atoi(os.Getenv("DEBUG_WRITE_DELAY"))
	if timeout == 0 {
		return
	}
	logrus.Infof("Add write delay of %vs for debug build", timeout)
	time.Sleep(time.Duration(timeout) * time.Second)
}

// DropConnection fails one connection after DEBUG_DROP_CONNECTION is set to
// TRUE, once per process.
func DropConnection() bool {
	if os.Getenv("DEBUG_DROP_CONNECTION") != "TRUE" {
		return false
	}
	if !atomic.CompareAndSwapInt32(&dropped, 0, 1) {
		return false
	}
	logrus.Warning("Dropping connection for debug build")
	return true
}
