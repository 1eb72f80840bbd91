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
	"fmt"
	"regexp"
	"strings"

	units "github.com/docker/go-units"
)

var (
	isValidSizeDecimal = regexp.MustCompile(`^(\d+(\.\d+)*) ?([kKmMgGtTpP])?[bB]?$`)
	isValidSizeBinary  = regexp.MustCompile(`^(\d+(\.\d+)*) ?([kKmMgGtTpP][iI])?$`)
)

// IsDecimal reports whether size is written in powers of 1000, like 64k or 1MB.
func IsDecimal(size string) bool {
	return isValidSizeDecimal.MatchString(size)
}

// IsBinary reports whether size is written in powers of 1024, like 64Ki.
func IsBinary(size string) bool {
	return isValidSizeBinary.MatchString(size)
}

// ParseSize turns a human size into bytes. An empty size is zero.
func ParseSize(size string) (int64, error) {
	switch {
	case size == "":
		return 0, nil
	case IsDecimal(size):
		return units.FromHumanSize(size)
	case IsBinary(size):
		return units.RAMInBytes(strings.TrimSuffix(strings.TrimSuffix(size, "i"), "I"))
	}
	return 0, fmt.Errorf("invalid size %q, use notations like k/ki/K/Ki, m/mi/M/Mi", size)
}
