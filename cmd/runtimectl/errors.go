package main

import "errors"

// Sentinel errors mapped to the exit codes in the external-interfaces
// contract.
var (
	errUserError             = errors.New("runtimectl: invalid arguments")
	errAuthorityUnreachable  = errors.New("runtimectl: authority unreachable")
	errSnapshotInvalid       = errors.New("runtimectl: snapshot invalid")
)
