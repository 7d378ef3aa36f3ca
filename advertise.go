// advertise.go: Registration of the active file with a discovery service
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

// Advertiser publishes appenders to an external discovery collaborator.
// Advertise returns a handle that is passed back to Unadvertise on Stop.
type Advertiser interface {
	Advertise(info map[string]string) (any, error)
	Unadvertise(handle any) error
}

// advertisement describes the stream of one appender.
func advertisement(name, file, uri string) map[string]string {
	if uri == "" {
		uri = "file://" + file
	}
	return map[string]string{
		"name":        name,
		"contentType": "text/plain",
		"uri":         uri,
	}
}
