// +build !debug

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

// AddConnectDelay adds a delay before a connection is dialed
func AddConnectDelay() {}

// AddWriteDelay adds a delay before queued PDUs are flushed
func AddWriteDelay() {}

// DropConnection reports whether the next read should fail the connection
func DropConnection() bool { return false }
