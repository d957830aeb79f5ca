// consts.go - wire constants for the file-handle subsystem

// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package sftp

// Open-flag bits, per draft-ietf-secsh-filexfer-13 section 8.1.1.3.
// The access disposition occupies the low three bits as an enumeration,
// not a bitfield.
const (
	SSH_FXF_ACCESS_DISPOSITION = 0x00000007
	SSH_FXF_CREATE_NEW         = 0x00000000
	SSH_FXF_CREATE_TRUNCATE    = 0x00000001
	SSH_FXF_OPEN_EXISTING      = 0x00000002
	SSH_FXF_OPEN_OR_CREATE     = 0x00000003
	SSH_FXF_TRUNCATE_EXISTING  = 0x00000004

	SSH_FXF_APPEND_DATA        = 0x00000008
	SSH_FXF_APPEND_DATA_ATOMIC = 0x00000010
	SSH_FXF_TEXT_MODE          = 0x00000020

	// byte-range lock request bits (also carried in open flags)
	SSH_FXF_READ_LOCK     = 0x00000040
	SSH_FXF_WRITE_LOCK    = 0x00000080
	SSH_FXF_DELETE_LOCK   = 0x00000100
	SSH_FXF_ADVISORY_LOCK = 0x00000200
)

// ACE4 access-mask bits (draft-13 section 8.1.1.2, borrowed from NFSv4).
const (
	ACE4_READ_DATA        = 0x00000001
	ACE4_WRITE_DATA       = 0x00000002
	ACE4_APPEND_DATA      = 0x00000004
	ACE4_READ_ATTRIBUTES  = 0x00000080
	ACE4_WRITE_ATTRIBUTES = 0x00000100
)

// Status codes (draft-13 section 9.1).
const (
	SSH_FX_OK                        = 0
	SSH_FX_EOF                       = 1
	SSH_FX_NO_SUCH_FILE              = 2
	SSH_FX_PERMISSION_DENIED         = 3
	SSH_FX_FAILURE                   = 4
	SSH_FX_BAD_MESSAGE               = 5
	SSH_FX_NO_CONNECTION             = 6
	SSH_FX_CONNECTION_LOST           = 7
	SSH_FX_OP_UNSUPPORTED            = 8
	SSH_FX_INVALID_HANDLE            = 9
	SSH_FX_BYTE_RANGE_LOCK_CONFLICT  = 25
	SSH_FX_BYTE_RANGE_LOCK_REFUSED   = 26
	SSH_FX_NO_MATCHING_BYTE_RANGE_LOCK = 31
)
