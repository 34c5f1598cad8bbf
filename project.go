package feedsync

// the projector derives the read-only structures each screen renders from a
// store. every projection is a deep copy computed per render; callers never
// hold references into store-owned entities.

type FeedView struct {
	Scope      Scope
	State      StoreState
	TotalPages int
	Posts      []*PostView
}

type PostView struct {
	Id        EntityId
	Heading   string
	Content   string
	Author    string
	CreatedAt string
	Photo     string
	LikeCount int
	Pending   bool
	Comments  []*CommentView
}

type CommentView struct {
	Id        EntityId
	PostId    EntityId
	Content   string
	Author    string
	CreatedAt string
	Pending   bool
}

type ChatView struct {
	Scope      Scope
	State      StoreState
	TotalPages int
	Messages   []*MessageView
}

type MessageView struct {
	Id        EntityId
	Content   string
	Author    string
	CreatedAt string
	Pending   bool
}

type RosterView struct {
	Scope   Scope
	State   StoreState
	Members []*MemberView
}

type MemberView struct {
	Id       EntityId
	Username string
	JoinedAt string
}

// ProjectFeed renders the ordered post list with nested comment lists and
// like counts. An invalidated store projects empty.
func ProjectFeed(store *Store) *FeedView {
	view := &FeedView{
		Scope:      store.scope,
		State:      store.state,
		TotalPages: store.totalPages,
		Posts:      []*PostView{},
	}
	if store.state != StoreStateReady {
		return view
	}
	for _, id := range store.posts.ids() {
		post, ok := store.posts.get(id)
		if !ok {
			continue
		}
		view.Posts = append(view.Posts, projectPost(post))
	}
	return view
}

func projectPost(post *Post) *PostView {
	postView := &PostView{
		Id:        post.Id,
		Heading:   post.Heading,
		Content:   post.Content,
		Author:    post.Author,
		CreatedAt: post.CreatedAt,
		Photo:     post.Photo,
		LikeCount: post.LikeCount,
		Pending:   post.Pending,
		Comments:  []*CommentView{},
	}
	for _, comment := range post.Comments {
		postView.Comments = append(postView.Comments, &CommentView{
			Id:        comment.Id,
			PostId:    comment.PostId,
			Content:   comment.Content,
			Author:    comment.Author,
			CreatedAt: comment.CreatedAt,
			Pending:   comment.Pending,
		})
	}
	return postView
}

// ProjectChat renders the ordered transcript.
func ProjectChat(store *Store) *ChatView {
	view := &ChatView{
		Scope:      store.scope,
		State:      store.state,
		TotalPages: store.totalPages,
		Messages:   []*MessageView{},
	}
	if store.state != StoreStateReady {
		return view
	}
	for _, id := range store.messages.ids() {
		message, ok := store.messages.get(id)
		if !ok {
			continue
		}
		view.Messages = append(view.Messages, &MessageView{
			Id:        message.Id,
			Content:   message.Content,
			Author:    message.Author,
			CreatedAt: message.CreatedAt,
			Pending:   message.Pending,
		})
	}
	return view
}

// ProjectRoster renders the ordered member list.
func ProjectRoster(store *Store) *RosterView {
	view := &RosterView{
		Scope:   store.scope,
		State:   store.state,
		Members: []*MemberView{},
	}
	if store.state != StoreStateReady {
		return view
	}
	for _, id := range store.members.ids() {
		member, ok := store.members.get(id)
		if !ok {
			continue
		}
		view.Members = append(view.Members, &MemberView{
			Id:       member.Id,
			Username: member.Username,
			JoinedAt: member.JoinedAt,
		})
	}
	return view
}
