package schema

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DocumentRow is the persisted form of every workspace document. The payload
// is stored as JSON so one table serves all partitions; typed access happens
// in the collection layer.
type DocumentRow struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Partition string    `gorm:"size:100;not null;index"`

	CreatedBy uuid.UUID `gorm:"type:uuid;not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Data datatypes.JSON
}

func (DocumentRow) TableName() string {
	return "documents"
}

// Document is the typed envelope handed to callers of a collection.
type Document[T any] struct {
	Id        uuid.UUID `json:"id"`
	CreatedBy uuid.UUID `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Data      T         `json:"data"`
}

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"unique;size:50;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	Role string `gorm:"size:20;not null;default:'user'"`
}

const (
	RoleAdmin     = "admin"
	RoleUser      = "user"
	RoleGuest     = "guest"
	RoleSpectator = "spectator"
)

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleUser, RoleGuest, RoleSpectator:
		return true
	}
	return false
}

// Partition names double as the resource names seen by the authorization
// engine and the HTTP surface.
const (
	PartitionRooms       = "rooms"
	PartitionBoards      = "boards"
	PartitionApps        = "apps"
	PartitionAnnotations = "annotations"
	PartitionInsights    = "insights"
	PartitionLinks       = "links"
	PartitionPresence    = "presence"
	PartitionRoomMembers = "room_members"
	PartitionAssets      = "assets"
	PartitionPlugins     = "plugins"
)

type Room struct {
	Name       string      `json:"name"`
	OwnerId    uuid.UUID   `json:"ownerId"`
	IsPrivate  bool        `json:"isPrivate"`
	PrivatePin string      `json:"privatePin,omitempty"`
	Members    []uuid.UUID `json:"members"`
}

type Board struct {
	Name    string    `json:"name"`
	OwnerId uuid.UUID `json:"ownerId"`
	RoomId  uuid.UUID `json:"roomId"`
	Code    string    `json:"code"`
}

type App struct {
	BoardId uuid.UUID      `json:"boardId"`
	RoomId  uuid.UUID      `json:"roomId"`
	Type    string         `json:"type"`
	State   map[string]any `json:"state"`
}

// Annotation is the per-board shadow document holding freehand drawing state.
type Annotation struct {
	BoardId uuid.UUID `json:"boardId"`
	Strokes []any     `json:"strokes"`
}

// Insight is the per-app shadow document holding derived analytics.
type Insight struct {
	AppId   uuid.UUID      `json:"appId"`
	BoardId uuid.UUID      `json:"boardId"`
	Summary map[string]any `json:"summary"`
}

type Link struct {
	SourceAppId uuid.UUID `json:"sourceAppId"`
	TargetAppId uuid.UUID `json:"targetAppId"`
	Label       string    `json:"label,omitempty"`
}

type Presence struct {
	UserId  uuid.UUID `json:"userId"`
	RoomId  uuid.UUID `json:"roomId"`
	BoardId uuid.UUID `json:"boardId"`
	Status  string    `json:"status"`
	Cursor  Cursor    `json:"cursor"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

const PresenceOnline = "online"

type RoomMember struct {
	RoomId  uuid.UUID   `json:"roomId"`
	Members []uuid.UUID `json:"members"`
}

type Asset struct {
	RoomId  uuid.UUID `json:"roomId"`
	OwnerId uuid.UUID `json:"ownerId"`
	Name    string    `json:"name"`
	Url     string    `json:"url"`
}

type Plugin struct {
	RoomId  uuid.UUID `json:"roomId"`
	Name    string    `json:"name"`
	Enabled bool      `json:"enabled"`
}
