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

package rest

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/rancher/go-rancher/api"
	"github.com/rancher/go-rancher/client"
)

type Target struct {
	client.Resource
	Number int `json:"number"`
}

type ReadInput struct {
	client.Resource
	Lun    int   `json:"lun"`
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

type ReadOutput struct {
	client.Resource
	Data string `json:"data"`
}

type WriteInput struct {
	client.Resource
	Lun    int    `json:"lun"`
	Offset int64  `json:"offset"`
	Length int    `json:"length"`
	Data   string `json:"data"`
}

type WriteOutput struct {
	client.Resource
}

type InquiryInput struct {
	client.Resource
	Lun int `json:"lun"`
}

type InquiryOutput struct {
	client.Resource
	DeviceType int    `json:"deviceType"`
	Vendor     string `json:"vendor"`
	Product    string `json:"product"`
	Revision   string `json:"revision"`
	Data       string `json:"data"`
}

func NewTarget(context *api.ApiContext, number int) *Target {
	t := &Target{
		Resource: client.Resource{
			Id:      strconv.Itoa(number),
			Type:    "target",
			Actions: map[string]string{},
		},
		Number: number,
	}

	t.Actions["readat"] = context.UrlBuilder.ActionLink(t.Resource, "readat")
	t.Actions["writeat"] = context.UrlBuilder.ActionLink(t.Resource, "writeat")
	t.Actions["inquiry"] = context.UrlBuilder.ActionLink(t.Resource, "inquiry")
	return t
}

// NewInquiryOutput decodes standard INQUIRY data.
func NewInquiryOutput(data []byte) *InquiryOutput {
	out := &InquiryOutput{
		Resource: client.Resource{
			Type: "inquiryOutput",
		},
		Data: EncodeData(data),
	}
	if len(data) < 36 {
		return out
	}
	out.DeviceType = int(data[0] & 0x1f)
	out.Vendor = strings.TrimSpace(string(data[8:16]))
	out.Product = strings.TrimSpace(string(data[16:32]))
	out.Revision = strings.TrimSpace(string(data[32:36]))
	return out
}

func DecodeData(data string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func EncodeData(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func NewSchema() *client.Schemas {
	schemas := &client.Schemas{}

	schemas.AddType("error", client.ServerApiError{})
	schemas.AddType("apiVersion", client.Resource{})
	schemas.AddType("schema", client.Schema{})
	schemas.AddType("readInput", ReadInput{})
	schemas.AddType("readOutput", ReadOutput{})
	schemas.AddType("writeInput", WriteInput{})
	schemas.AddType("writeOutput", WriteOutput{})
	schemas.AddType("inquiryInput", InquiryInput{})
	schemas.AddType("inquiryOutput", InquiryOutput{})

	targets := schemas.AddType("target", Target{})
	targets.ResourceActions = map[string]client.Action{
		"readat": {
			Input:  "readInput",
			Output: "readOutput",
		},
		"writeat": {
			Input:  "writeInput",
			Output: "writeOutput",
		},
		"inquiry": {
			Input:  "inquiryInput",
			Output: "inquiryOutput",
		},
	}

	return schemas
}

type Server struct {
	d *Device
}

func NewServer(d *Device) *Server {
	return &Server{
		d: d,
	}
}
