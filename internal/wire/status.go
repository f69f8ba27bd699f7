// Package wire defines the on-the-wire shapes shared by every connection of
// the protocol service: frame headers, verb identifiers and response status
// codes. Nothing in this package touches a socket; it only encodes/decodes
// byte slices, in the same spirit as the teacher's opcode catalogue
// (core/opcode_dispatcher.go) being a pure lookup table separate from the VM
// that drives it.
package wire

import "fmt"

// Status is the wire-level outcome carried in every response frame body
// (spec.md §6/§7). It is distinct from a Go error: an error means the
// connection could not continue (bad MAC, IO failure); a Status is a normal,
// well-formed answer the client is meant to see.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusMalformedRequest
	StatusRequestPacketInvalidSize
	StatusRequestPacketBad
	StatusUnauthorized
	StatusNotFound
	StatusWouldTruncate
	StatusOutOfMemory
	StatusPrivateKeyAlreadySet
	StatusTransactionVerification
	StatusInvalidBlockHeight
	StatusInvalidPreviousBlockUUID
	StatusInvalidBlockUUID
	StatusExtendedAPIUnknownEntity
	StatusDuplicateEntity
	StatusIPCWriteDataFailure
)

var statusNames = map[Status]string{
	StatusSuccess:                  "SUCCESS",
	StatusMalformedRequest:         "MALFORMED_REQUEST",
	StatusRequestPacketInvalidSize: "REQUEST_PACKET_INVALID_SIZE",
	StatusRequestPacketBad:         "REQUEST_PACKET_BAD",
	StatusUnauthorized:             "UNAUTHORIZED",
	StatusNotFound:                 "NOT_FOUND",
	StatusWouldTruncate:            "WOULD_TRUNCATE",
	StatusOutOfMemory:              "OUT_OF_MEMORY",
	StatusPrivateKeyAlreadySet:     "PRIVATE_KEY_ALREADY_SET",
	StatusTransactionVerification:  "TRANSACTION_VERIFICATION",
	StatusInvalidBlockHeight:       "INVALID_BLOCK_HEIGHT",
	StatusInvalidPreviousBlockUUID: "INVALID_PREVIOUS_BLOCK_UUID",
	StatusInvalidBlockUUID:         "INVALID_BLOCK_UUID",
	StatusExtendedAPIUnknownEntity: "EXTENDED_API_UNKNOWN_ENTITY",
	StatusDuplicateEntity:          "DUPLICATE_ENTITY",
	StatusIPCWriteDataFailure:      "IPC_WRITE_DATA_FAILURE",
}

// Error lets a Status satisfy the error interface so handlers that bottom
// out in "return some status" compose naturally with functions that return
// error, without conflating wire outcomes with transport failures.
func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_%d", uint32(s))
}

func (s Status) String() string { return s.Error() }

// OK reports whether s is the success status.
func (s Status) OK() bool { return s == StatusSuccess }
