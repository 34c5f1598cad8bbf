package feedsync

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/golang/glog"
)

// push channel message types. control messages flow client -> server; event
// messages flow server -> client, multicast to room members.
const (
	MessageTypeJoin  = "join"
	MessageTypeLeave = "leave"

	MessageTypeNewFeed       = "new_feed"
	MessageTypeUpdateFeed    = "update_feed"
	MessageTypeDeleteFeed    = "delete_feed"
	MessageTypeLikeFeed      = "like_feed"
	MessageTypeNewComment    = "new_comment"
	MessageTypeUpdateComment = "update_comment"
	MessageTypeDeleteComment = "delete_comment"
	MessageTypeChatMessage   = "message"
	MessageTypeMemberJoined  = "member_joined"
	MessageTypeMemberLeft    = "member_left"
	MessageTypeGroupDeleted  = "group_deleted"
	MessageTypeGroupLeft     = "group_left"

	MessageTypeJoinError = "join_error"
)

type ScopeRef struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

func (self ScopeRef) Scope() Scope {
	return Scope{
		Kind: ScopeKind(self.Kind),
		Key:  self.Key,
	}
}

func RefForScope(scope Scope) ScopeRef {
	return ScopeRef{
		Kind: string(scope.Kind),
		Key:  scope.Key,
	}
}

// one frame on the push channel
type PushFrame struct {
	Type  string          `json:"type"`
	Scope ScopeRef        `json:"scope"`
	Data  json.RawMessage `json:"data,omitempty"`

	// join_error only
	Code string `json:"code,omitempty"`
}

type deleteFeedData struct {
	FeedId EntityId `json:"feed_id"`
}

type likeFeedData struct {
	FeedId    EntityId `json:"feed_id"`
	LikeCount int      `json:"like_count"`
	ActionKey string   `json:"action_key,omitempty"`
}

type commentEventData struct {
	FeedId  EntityId `json:"feed_id"`
	Comment *Comment `json:"comment"`
}

type deleteCommentData struct {
	FeedId    EntityId `json:"feed_id"`
	CommentId EntityId `json:"comment_id"`
}

// Ingestor converts raw push frames into canonical mutations. Frames whose
// scope is not currently joined are dropped (the transport may be in a brief
// membership-transition window). Unrecognized frame types are dropped with a
// diagnostic, never fatal.
type Ingestor struct {
	// defensive membership check, owned by the room manager
	isJoined func(scope Scope) bool

	onMutation         func(mutation *Mutation)
	onScopeInvalidated func(scope Scope)

	receivedSeq atomic.Uint64
}

func NewIngestor(
	isJoined func(scope Scope) bool,
	onMutation func(mutation *Mutation),
	onScopeInvalidated func(scope Scope),
) *Ingestor {
	return &Ingestor{
		isJoined:           isJoined,
		onMutation:         onMutation,
		onScopeInvalidated: onScopeInvalidated,
	}
}

func (self *Ingestor) nextSeq() uint64 {
	return self.receivedSeq.Add(1)
}

// HandleMessage ingests one raw frame off the push channel.
func (self *Ingestor) HandleMessage(message []byte) {
	var frame PushFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		glog.Infof("[ingest]dropped unparseable frame = %s\n", err)
		return
	}
	self.HandleFrame(&frame)
}

func (self *Ingestor) HandleFrame(frame *PushFrame) {
	scope := frame.Scope.Scope()

	switch frame.Type {
	case MessageTypeGroupDeleted, MessageTypeGroupLeft:
		// routed to the room manager, never into a store
		self.onScopeInvalidated(scope)
		return
	}

	if !self.isJoined(scope) {
		glog.V(2).Infof("[ingest]dropped %s for unjoined scope %s\n", frame.Type, scope)
		return
	}

	mutation, err := self.normalize(scope, frame)
	if err != nil {
		glog.Infof("[ingest]dropped %s = %s\n", frame.Type, err)
		return
	}
	if mutation == nil {
		// unrecognized type
		glog.Infof("[ingest]dropped unrecognized frame type %s\n", frame.Type)
		return
	}

	mutation.ReceivedSeq = self.nextSeq()
	self.onMutation(mutation)
}

// normalize maps each recognized frame type to exactly one canonical op.
func (self *Ingestor) normalize(scope Scope, frame *PushFrame) (*Mutation, error) {
	switch frame.Type {
	case MessageTypeNewFeed, MessageTypeUpdateFeed:
		var post Post
		if err := json.Unmarshal(frame.Data, &post); err != nil {
			return nil, err
		}
		if post.Id == "" {
			return nil, ErrBadEntityId
		}
		op := MutationOpCreate
		if frame.Type == MessageTypeUpdateFeed {
			op = MutationOpUpdate
		}
		return &Mutation{
			Scope:      scope,
			EntityKind: EntityKindPost,
			EntityId:   post.Id,
			Op:         op,
			Post:       &post,
		}, nil
	case MessageTypeDeleteFeed:
		var data deleteFeedData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, err
		}
		if data.FeedId == "" {
			return nil, ErrBadEntityId
		}
		return &Mutation{
			Scope:      scope,
			EntityKind: EntityKindPost,
			EntityId:   data.FeedId,
			Op:         MutationOpDelete,
		}, nil
	case MessageTypeLikeFeed:
		var data likeFeedData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, err
		}
		if data.FeedId == "" {
			return nil, ErrBadEntityId
		}
		actionKey := data.ActionKey
		if actionKey == "" {
			// older servers do not echo the action key. the authoritative
			// count still dedupes same-count duplicates.
			actionKey = fmt.Sprintf("%s:count=%d", data.FeedId, data.LikeCount)
		}
		return &Mutation{
			Scope:          scope,
			EntityKind:     EntityKindPost,
			EntityId:       data.FeedId,
			Op:             MutationOpCounterDelta,
			Delta:          1,
			IdempotencyKey: actionKey,
			CounterValue:   data.LikeCount,
			HasCounter:     true,
		}, nil
	case MessageTypeNewComment, MessageTypeUpdateComment:
		var data commentEventData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, err
		}
		if data.Comment == nil || data.Comment.Id == "" {
			return nil, ErrBadEntityId
		}
		if data.Comment.PostId == "" {
			data.Comment.PostId = data.FeedId
		}
		op := MutationOpCreate
		if frame.Type == MessageTypeUpdateComment {
			op = MutationOpUpdate
		}
		return &Mutation{
			Scope:      scope,
			EntityKind: EntityKindComment,
			EntityId:   data.Comment.Id,
			Op:         op,
			Comment:    data.Comment,
		}, nil
	case MessageTypeDeleteComment:
		var data deleteCommentData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, err
		}
		if data.CommentId == "" {
			return nil, ErrBadEntityId
		}
		return &Mutation{
			Scope:      scope,
			EntityKind: EntityKindComment,
			EntityId:   data.CommentId,
			Op:         MutationOpDelete,
		}, nil
	case MessageTypeChatMessage:
		var chatMessage ChatMessage
		if err := json.Unmarshal(frame.Data, &chatMessage); err != nil {
			return nil, err
		}
		if chatMessage.Id == "" {
			return nil, ErrBadEntityId
		}
		return &Mutation{
			Scope:      scope,
			EntityKind: EntityKindMessage,
			EntityId:   chatMessage.Id,
			Op:         MutationOpCreate,
			Message:    &chatMessage,
		}, nil
	case MessageTypeMemberJoined, MessageTypeMemberLeft:
		var member GroupMember
		if err := json.Unmarshal(frame.Data, &member); err != nil {
			return nil, err
		}
		if member.Id == "" {
			return nil, ErrBadEntityId
		}
		op := MutationOpCreate
		if frame.Type == MessageTypeMemberLeft {
			op = MutationOpDelete
		}
		return &Mutation{
			Scope:      scope,
			EntityKind: EntityKindMember,
			EntityId:   member.Id,
			Op:         op,
			Member:     &member,
		}, nil
	}

	return nil, nil
}
