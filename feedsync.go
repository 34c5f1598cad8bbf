package feedsync

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// scope identifies a room on the push channel. exactly one Store exists per
// active scope; a new Store instance replaces it when the scope is rejoined.

type ScopeKind string

const (
	ScopeKindFeedGroup ScopeKind = "feed-group"
	ScopeKindChatGroup ScopeKind = "chat-group"
	ScopeKindProfile   ScopeKind = "profile"
)

// comparable
type Scope struct {
	Kind ScopeKind
	Key  string
}

func FeedGroupScope(groupCode string) Scope {
	return Scope{
		Kind: ScopeKindFeedGroup,
		Key:  groupCode,
	}
}

func ChatGroupScope(groupCode string) Scope {
	return Scope{
		Kind: ScopeKindChatGroup,
		Key:  groupCode,
	}
}

func ProfileScope(username string) Scope {
	return Scope{
		Kind: ScopeKindProfile,
		Key:  username,
	}
}

func (self Scope) IsZero() bool {
	return self == Scope{}
}

func (self Scope) String() string {
	return fmt.Sprintf("%s/%s", self.Kind, self.Key)
}

type EntityKind string

const (
	EntityKindPost    EntityKind = "post"
	EntityKindComment EntityKind = "comment"
	EntityKindMessage EntityKind = "message"
	EntityKindMember  EntityKind = "member"
)

// server-assigned identity, unique within its entity kind and scope
type EntityId = string

type Post struct {
	Id        EntityId   `json:"id"`
	Heading   string     `json:"heading"`
	Content   string     `json:"content"`
	Author    string     `json:"created_by"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at,omitempty"`
	Photo     string     `json:"picture,omitempty"`
	LikeCount int        `json:"like_count"`
	Comments  []*Comment `json:"comments,omitempty"`

	// set for entries inserted by the intent tracker before the server
	// confirms them
	Pending bool `json:"-"`
}

// comments belong to exactly one post. the comment list preserves insertion
// order as delivered and is never re-sorted by timestamp.
type Comment struct {
	Id        EntityId `json:"id"`
	PostId    EntityId `json:"feed_id"`
	Content   string   `json:"content"`
	Author    string   `json:"created_by"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at,omitempty"`

	Pending bool `json:"-"`
}

type ChatMessage struct {
	Id        EntityId `json:"id"`
	Content   string   `json:"content"`
	Author    string   `json:"username"`
	CreatedAt string   `json:"created_at"`

	Pending bool `json:"-"`
}

type GroupMember struct {
	Id       EntityId `json:"id"`
	Username string   `json:"username"`
	JoinedAt string   `json:"joined_at,omitempty"`
}

type Group struct {
	Code  string `json:"code"`
	Name  string `json:"group_name"`
	About string `json:"about_group,omitempty"`
}

type MutationOp string

const (
	MutationOpCreate       MutationOp = "create"
	MutationOpUpdate       MutationOp = "update"
	MutationOpDelete       MutationOp = "delete"
	MutationOpCounterDelta MutationOp = "counter_delta"
)

// canonical form of one entity change, produced by the ingestor.
// ReceivedSeq is assigned locally at ingestion time and exists only to break
// ties between otherwise-simultaneous mutations (last applied wins).
type Mutation struct {
	Scope      Scope
	EntityKind EntityKind
	EntityId   EntityId
	Op         MutationOp

	// create/update payloads. exactly one is set, matching EntityKind
	Post    *Post
	Comment *Comment
	Message *ChatMessage
	Member  *GroupMember

	// counter_delta
	Delta          int
	IdempotencyKey string
	// absolute counter value from the server, applied when the delta is new
	CounterValue int
	HasCounter   bool

	ReceivedSeq uint64
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

var ErrBadEntityId = errors.New("entity id must not be empty")
