// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package wire

// RequestID names the kind of request carried by an Envelope, matching
// the Request ID column of spec.md sec 4.8.
type RequestID string

const (
	ComponentLookupRequestID RequestID = "ComponentLookupRequest"
	RegistrationRequestID    RequestID = "RegistrationRequest"
	UnregistrationRequestID  RequestID = "UnregistrationRequest"
	GetDomainRequestID       RequestID = "GetDomain"
	GetProvidersRequestID    RequestID = "DirectoryService:GetProviders"

	// AddDomainCommandID/RemoveDomainCommandID carry the UDP Receiver's
	// peer-discovery events to the Directory Synchronizer over its
	// inproc control channel (spec.md sec 4.9: "Listens on an inproc
	// control channel for Add domain url / Remove domain commands").
	AddDomainCommandID    RequestID = "AddDomainCommand"
	RemoveDomainCommandID RequestID = "RemoveDomainCommand"
)

// Envelope wraps a request or response payload with a discriminator so a
// single REP socket can dispatch on message kind, the way the teacher's
// wrp.Message carries its own Type field. Payload is the msgpack encoding
// of the concrete message named by ID.
type Envelope struct {
	ID      RequestID
	Payload []byte
}

// ComponentLookupRequest asks the directory for the URL(s) registered
// under id within a domain (spec.md sec 6).
type ComponentLookupRequest struct {
	LookupID string
	Type     Kind
	DomainID string // empty means "caller's own domain"
}

// ComponentDataLookupResponse answers a DATA lookup with an ordered URL list.
type ComponentDataLookupResponse struct {
	LookupID string
	DomainID string
	URL      []string
}

// ComponentServiceLookupResponse answers a SERVICE lookup with a single URL,
// empty when the service is not registered.
type ComponentServiceLookupResponse struct {
	LookupID string
	DomainID string
	URL      string
}

// ServiceDirectoryRegistration registers a URL under id within a domain.
type ServiceDirectoryRegistration struct {
	ID          string
	URL         string
	Type        Kind
	ComponentID string
	Domain      string // empty means "directory's own domain"
}

// ServiceDirectoryUnregistration removes a URL from id's entry.
type ServiceDirectoryUnregistration struct {
	ID   string
	URL  string
	Type Kind
}

// ServiceDirectoryResponse is the directory's reply to a registration or
// unregistration request.
type ServiceDirectoryResponse struct {
	ID         string
	ReturnCode SDReturnCode
}

// ServiceEntry is one SERVICE row of a ServiceDirectoryMap snapshot.
type ServiceEntry struct {
	ID          string
	URL         string
	ComponentID string
}

// DataEntry is one DATA row of a ServiceDirectoryMap snapshot.
type DataEntry struct {
	ID  string
	URL []string
}

// ProductChange records a single ADD/REMOVE mutation, carried in the
// snapshots published on the domain-details channel (spec.md sec 4.8).
type ProductChange struct {
	ProductID        string
	URL              string
	ComponentID      string
	ChangeType       ChangeType
	RegistrationType Kind
}

// ServiceDirectoryMap is a full snapshot of one domain's registrations,
// published on the ServiceDirectory_DomainDetails channel after every
// mutation, optionally carrying the ProductChange that caused it.
type ServiceDirectoryMap struct {
	Domain          string
	ServiceProvider []ServiceEntry
	DataProvider    []DataEntry
	Change          *ProductChange
}

// RegisteredPublishers is the payload of the per-product-id
// RegisteredPublishers channel (spec.md sec 4.8 side effect 1).
type RegisteredPublishers struct {
	ProductID string
	URL       []string
}

// DataProduct is a published value: a payload plus the metadata needed to
// route and order it (spec.md sec 3, sec 6).
type DataProduct struct {
	ProductID   string
	TimestampUS int64
	Body        []byte
	Filter      string
}

// Heartbeat is the small periodic liveness beacon published under a
// component id by the Heartbeat Publisher (spec.md sec 4.6).
type Heartbeat struct {
	ComponentID string
	TimestampUS int64
}

// DomainBeacon is the UDP broadcast payload advertising a directory's
// existence to peer domains (spec.md sec 4.10, sec 6).
type DomainBeacon struct {
	Domain       string
	DirectoryURL string
}

// GetDomainResponse answers a GetDomain request with the directory's own
// administrative domain (spec.md sec 4.8).
type GetDomainResponse struct {
	Domain string
}

// AddDomainCommand tells the Directory Synchronizer to begin syncing a
// newly observed peer domain (spec.md sec 4.9).
type AddDomainCommand struct {
	Domain       string
	DirectoryURL string
}

// RemoveDomainCommand tells the Directory Synchronizer a peer domain's
// beacon has gone quiet and its merged entries should be purged.
type RemoveDomainCommand struct {
	Domain string
}
