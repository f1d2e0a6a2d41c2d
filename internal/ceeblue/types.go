package ceeblue

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusIngestion is the input status reported while a feed is being ingested.
const StatusIngestion = "Ingestion"

// ErrUnauthorized matches StatusErrors carrying 401.
var ErrUnauthorized = errors.New("platform API rejected credentials")

// Input is the subset of an input resource the service reads.
type Input struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

// Live reports whether the input is currently ingesting.
func (i Input) Live() bool {
	return i.Status == StatusIngestion
}

// NodeGroup is one entry of the node-groups listing.
type NodeGroup struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Resources []NodeResource `json:"resources"`
}

type NodeResource struct {
	IP   string `json:"ip,omitempty"`
	Node Node   `json:"node"`
}

type Node struct {
	Hostname   string `json:"hostname,omitempty"`
	PublicIPv4 string `json:"publicIPv4,omitempty"`
}

// NodeAddress is the hostname and public address of a node.
type NodeAddress struct {
	Hostname string `json:"hostname,omitempty"`
	IP       string `json:"ip,omitempty"`
}

// NodeAddresses flattens node groups into addresses keyed by hostname, or by
// the resource IP when a node has no hostname. Nodes without a hostname or a
// public address are skipped.
func NodeAddresses(groups []NodeGroup) (map[string]NodeAddress, []string) {
	addresses := make(map[string]NodeAddress)
	keys := make([]string, 0)
	for _, group := range groups {
		for _, resource := range group.Resources {
			addr := NodeAddress{Hostname: resource.Node.Hostname, IP: resource.Node.PublicIPv4}
			if addr.Hostname == "" && addr.IP == "" {
				continue
			}
			key := addr.Hostname
			if key == "" {
				key = resource.IP
			}
			if _, seen := addresses[key]; !seen {
				keys = append(keys, key)
			}
			addresses[key] = addr
		}
	}
	return addresses, keys
}

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %d %s", e.Operation, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: %d %s: %s", e.Operation, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// retryable reports whether another attempt may succeed.
func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type outputRequest struct {
	Format   string `json:"format"`
	StreamID string `json:"streamId"`
}
