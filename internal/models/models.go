// Package models holds the entities of the classbook Record Store.
package models

import (
	"encoding/json"
	"time"
)

// Table names of the replicated relations, in parent → child order.
const (
	TableClasses      = "classes"
	TableCategories   = "categories"
	TableStudents     = "students"
	TableObservations = "observations"
)

// ReplicatedTables lists the tables a changeset carries, parents first.
var ReplicatedTables = []string{TableClasses, TableCategories, TableStudents, TableObservations}

type Class struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	SchoolYear     string    `json:"school_year"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	SourceDeviceID string    `json:"source_device_id"`
}

type StudentStatus string

const (
	StudentActive   StudentStatus = "active"
	StudentInactive StudentStatus = "inactive"
	StudentDeleted  StudentStatus = "deleted"
)

func (s StudentStatus) Valid() bool {
	switch s {
	case StudentActive, StudentInactive, StudentDeleted:
		return true
	}
	return false
}

type Student struct {
	ID             string        `json:"id"`
	ClassID        string        `json:"class_id"`
	FirstName      string        `json:"first_name"`
	LastName       string        `json:"last_name"`
	Status         StudentStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	SourceDeviceID string        `json:"source_device_id"`
}

// Observation carries plaintext Text in memory only; the store keeps the
// ciphertext.
type Observation struct {
	ID             string    `json:"id"`
	StudentID      string    `json:"student_id"`
	AuthorID       string    `json:"author_id"`
	CategoryID     string    `json:"category_id,omitempty"`
	Text           string    `json:"text"`
	Tags           []string  `json:"tags"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	SourceDeviceID string    `json:"source_device_id"`
	// Undecryptable is set on list results whose text was sealed under a
	// data key that has since been rotated away.
	Undecryptable bool `json:"undecryptable,omitempty"`
}

// Attachment is a binary payload hanging off an Observation. Payload is
// plaintext and only populated when explicitly loaded.
type Attachment struct {
	ID            string    `json:"id"`
	ObservationID string    `json:"observation_id"`
	Filename      string    `json:"filename"`
	ContentType   string    `json:"content_type"`
	Size          int64     `json:"size"`
	Hash          string    `json:"hash"`
	CreatedAt     time.Time `json:"created_at"`
	Payload       []byte    `json:"-"`
}

type Category struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Color           string    `json:"color"`
	BackgroundColor string    `json:"background_color"`
	TextColor       string    `json:"text_color"`
	IsActive        bool      `json:"is_active"`
	SortOrder       int       `json:"sort_order"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	SourceDeviceID  string    `json:"source_device_id"`
}

// AuditDetail is the closed set of ledger entry kinds.
type AuditDetail string

const (
	DetailSoftDelete  AuditDetail = "soft_delete"
	DetailHardDelete  AuditDetail = "hard_delete"
	DetailSafeDelete  AuditDetail = "safe_delete"
	DetailForceDelete AuditDetail = "force_delete"
	DetailCreate      AuditDetail = "create"
	DetailUpdate      AuditDetail = "update"
	DetailSyncMerge   AuditDetail = "sync_merge"
)

func (d AuditDetail) Valid() bool {
	switch d {
	case DetailSoftDelete, DetailHardDelete, DetailSafeDelete, DetailForceDelete,
		DetailCreate, DetailUpdate, DetailSyncMerge:
		return true
	}
	return false
}

// Removes reports whether the entry records a physical removal of the object.
func (d AuditDetail) Removes() bool {
	return d == DetailHardDelete || d == DetailSafeDelete || d == DetailForceDelete
}

// Object types recorded in the ledger besides the replicated tables.
const (
	ObjectClass       = "class"
	ObjectStudent     = "student"
	ObjectObservation = "observation"
	ObjectCategory    = "category"
	ObjectAttachment  = "attachment"
	ObjectChangeset   = "changeset"
	ObjectDeviceKey   = "device_key"
	ObjectPeer        = "peer"
)

// ObjectTypeForTable maps a replicated table to its ledger object type.
func ObjectTypeForTable(table string) string {
	switch table {
	case TableClasses:
		return ObjectClass
	case TableStudents:
		return ObjectStudent
	case TableObservations:
		return ObjectObservation
	case TableCategories:
		return ObjectCategory
	}
	return ""
}

// TableForObjectType is the inverse of ObjectTypeForTable.
func TableForObjectType(objectType string) string {
	switch objectType {
	case ObjectClass:
		return TableClasses
	case ObjectStudent:
		return TableStudents
	case ObjectObservation:
		return TableObservations
	case ObjectCategory:
		return TableCategories
	}
	return ""
}

type AuditEntry struct {
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	ObjectType string          `json:"object_type"`
	ObjectID   string          `json:"object_id"`
	ActorID    string          `json:"actor_id"`
	DeviceID   string          `json:"device_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Detail     AuditDetail     `json:"detail"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// Peer is a paired device whose certificate fingerprint is pinned.
type Peer struct {
	DeviceID       string    `json:"device_id"`
	Name           string    `json:"name"`
	Fingerprint    string    `json:"fingerprint"`
	CertificatePEM []byte    `json:"-"`
	Address        string    `json:"address"`
	PairedAt       time.Time `json:"paired_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// SyncState is the per-peer sync marker.
type SyncState struct {
	PeerID       string     `json:"peer_id"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	LastChecksum string     `json:"last_checksum,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
