package feedsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		select {
		case c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}:
		case <-ctx.Done():
		}
	})
	return apiCallback, c
}

// FeedApi is the typed client for the service's REST surface. Every call
// that requires auth attaches the session token as a bearer credential and
// is preceded by the local session validity check.
type FeedApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl  string
	session *Session

	httpClient *http.Client
}

func NewFeedApi(apiUrl string, session *Session) *FeedApi {
	return NewFeedApiWithContext(context.Background(), apiUrl, session)
}

func NewFeedApiWithContext(ctx context.Context, apiUrl string, session *Session) *FeedApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &FeedApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		session:    session,
		httpClient: defaultClient(),
	}
}

func (self *FeedApi) Close() {
	self.cancel()
}

func (self *FeedApi) checkSession() error {
	if !self.session.IsSessionValid() {
		return ErrSessionExpired
	}
	return nil
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username,omitempty"`
}

// AuthLogin issues the credential and installs it into the session on
// success. The session stays cleared on failure.
func (self *FeedApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go func() {
		result, err := post(
			self.ctx,
			self.httpClient,
			fmt.Sprintf("%s/login", self.apiUrl),
			authLogin,
			"",
			&AuthLoginResult{},
			NewNoopApiCallback[*AuthLoginResult](),
		)
		if err == nil {
			err = self.session.SetByJwt(result.AccessToken)
		}
		callback.Result(result, err)
	}()
}

func (self *FeedApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	callback, c := NewBlockingApiCallback[*AuthLoginResult](self.ctx)
	self.AuthLogin(authLogin, callback)
	r := <-c
	return r.Result, r.Error
}

type AuthRegisterCallback apiCallback[*AuthRegisterResult]

type AuthRegisterArgs struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthRegisterResult struct {
	Message string `json:"message,omitempty"`
}

func (self *FeedApi) AuthRegister(authRegister *AuthRegisterArgs, callback AuthRegisterCallback) {
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/register", self.apiUrl),
		authRegister,
		"",
		&AuthRegisterResult{},
		callback,
	)
}

type AuthLogoutCallback apiCallback[*AuthLogoutResult]

type AuthLogoutResult struct {
	Message string `json:"message,omitempty"`
}

// AuthLogout revokes the token server side and clears the session locally
// regardless of the server outcome.
func (self *FeedApi) AuthLogout(callback AuthLogoutCallback) {
	byJwt := self.session.ByJwt()
	self.session.Clear()
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/logout", self.apiUrl),
		nil,
		byJwt,
		&AuthLogoutResult{},
		callback,
	)
}

type GetFeedsCallback apiCallback[*GetFeedsResult]

type GetFeedsArgs struct {
	GroupCode string
	Page      int
}

type GetFeedsResult struct {
	Feeds      []*Post `json:"feeds"`
	TotalPages int     `json:"total_pages"`
	Page       int     `json:"page"`
}

func (self *FeedApi) GetFeeds(getFeeds *GetFeedsArgs, callback GetFeedsCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go get(
		self.ctx,
		self.httpClient,
		fmt.Sprintf(
			"%s/getAllFeeds?page=%d&groupCode=%s",
			self.apiUrl,
			getFeeds.Page,
			url.QueryEscape(getFeeds.GroupCode),
		),
		self.session.ByJwt(),
		&GetFeedsResult{},
		callback,
	)
}

func (self *FeedApi) GetFeedsSync(getFeeds *GetFeedsArgs) (*GetFeedsResult, error) {
	callback, c := NewBlockingApiCallback[*GetFeedsResult](self.ctx)
	self.GetFeeds(getFeeds, callback)
	r := <-c
	return r.Result, r.Error
}

type AddFeedCallback apiCallback[*AddFeedResult]

type AddFeedArgs struct {
	Heading   string `json:"heading"`
	Content   string `json:"content"`
	Photo     string `json:"photo,omitempty"`
	GroupCode string `json:"groupCode"`
}

type AddFeedResult struct {
	Message string   `json:"message,omitempty"`
	FeedId  EntityId `json:"feed_id"`
}

func (self *FeedApi) AddFeed(addFeed *AddFeedArgs, callback AddFeedCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/addFeed", self.apiUrl),
		addFeed,
		self.session.ByJwt(),
		&AddFeedResult{},
		callback,
	)
}

type UpdateFeedCallback apiCallback[*UpdateFeedResult]

type UpdateFeedArgs struct {
	FeedId    EntityId `json:"feedId"`
	Heading   string   `json:"heading"`
	Content   string   `json:"content"`
	GroupCode string   `json:"groupCode"`
}

type UpdateFeedResult struct {
	Message string `json:"message,omitempty"`
	Feed    *Post  `json:"feed,omitempty"`
}

func (self *FeedApi) UpdateFeed(updateFeed *UpdateFeedArgs, callback UpdateFeedCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go put(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/updateFeed", self.apiUrl),
		updateFeed,
		self.session.ByJwt(),
		&UpdateFeedResult{},
		callback,
	)
}

type DeleteFeedCallback apiCallback[*DeleteFeedResult]

type DeleteFeedArgs struct {
	FeedId    EntityId `json:"feedId"`
	GroupCode string   `json:"groupCode"`
}

type DeleteFeedResult struct {
	Message string `json:"message,omitempty"`
}

func (self *FeedApi) DeleteFeed(deleteFeed *DeleteFeedArgs, callback DeleteFeedCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go del(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/deleteFeed", self.apiUrl),
		deleteFeed,
		self.session.ByJwt(),
		&DeleteFeedResult{},
		callback,
	)
}

type ToggleLikeCallback apiCallback[*ToggleLikeResult]

type ToggleLikeArgs struct {
	FeedId    EntityId `json:"feed_id"`
	GroupCode string   `json:"group_code"`
	// deterministic action identity, echoed back in the like_feed event
	ActionKey string `json:"action_key,omitempty"`
}

type ToggleLikeResult struct {
	Success   bool `json:"success"`
	LikeCount int  `json:"likeCount"`
}

func (self *FeedApi) ToggleLike(toggleLike *ToggleLikeArgs, callback ToggleLikeCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/toggleLike", self.apiUrl),
		toggleLike,
		self.session.ByJwt(),
		&ToggleLikeResult{},
		callback,
	)
}

type AddCommentCallback apiCallback[*AddCommentResult]

type AddCommentArgs struct {
	FeedId    EntityId `json:"feedId"`
	Content   string   `json:"content"`
	GroupCode string   `json:"groupCode"`
}

type AddCommentResult struct {
	Message string   `json:"message,omitempty"`
	Comment *Comment `json:"comment,omitempty"`
}

func (self *FeedApi) AddComment(addComment *AddCommentArgs, callback AddCommentCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/addComment", self.apiUrl),
		addComment,
		self.session.ByJwt(),
		&AddCommentResult{},
		callback,
	)
}

type UpdateCommentCallback apiCallback[*UpdateCommentResult]

type UpdateCommentArgs struct {
	FeedId    EntityId `json:"feedId"`
	CommentId EntityId `json:"commentId"`
	Content   string   `json:"content"`
	GroupCode string   `json:"groupCode"`
}

type UpdateCommentResult struct {
	Message string   `json:"message,omitempty"`
	Comment *Comment `json:"comment,omitempty"`
}

func (self *FeedApi) UpdateComment(updateComment *UpdateCommentArgs, callback UpdateCommentCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go put(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/updateComment", self.apiUrl),
		updateComment,
		self.session.ByJwt(),
		&UpdateCommentResult{},
		callback,
	)
}

type DeleteCommentCallback apiCallback[*DeleteCommentResult]

type DeleteCommentArgs struct {
	FeedId    EntityId `json:"feedId"`
	CommentId EntityId `json:"commentId"`
	GroupCode string   `json:"groupCode"`
}

type DeleteCommentResult struct {
	Message string `json:"message,omitempty"`
}

func (self *FeedApi) DeleteComment(deleteComment *DeleteCommentArgs, callback DeleteCommentCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go del(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/deleteComment", self.apiUrl),
		deleteComment,
		self.session.ByJwt(),
		&DeleteCommentResult{},
		callback,
	)
}

type GetGroupMessagesCallback apiCallback[*GetGroupMessagesResult]

type GetGroupMessagesArgs struct {
	GroupCode string
	Page      int
}

type GetGroupMessagesResult struct {
	Messages   []*ChatMessage `json:"messages"`
	TotalPages int            `json:"total_pages"`
	Page       int            `json:"page"`
}

func (self *FeedApi) GetGroupMessages(getGroupMessages *GetGroupMessagesArgs, callback GetGroupMessagesCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go get(
		self.ctx,
		self.httpClient,
		fmt.Sprintf(
			"%s/getGroupMessages?page=%d&groupCode=%s",
			self.apiUrl,
			getGroupMessages.Page,
			url.QueryEscape(getGroupMessages.GroupCode),
		),
		self.session.ByJwt(),
		&GetGroupMessagesResult{},
		callback,
	)
}

type SendGroupMessageCallback apiCallback[*SendGroupMessageResult]

type SendGroupMessageArgs struct {
	GroupCode string `json:"groupCode"`
	Content   string `json:"content"`
}

type SendGroupMessageResult struct {
	Message *ChatMessage `json:"message,omitempty"`
}

func (self *FeedApi) SendGroupMessage(sendGroupMessage *SendGroupMessageArgs, callback SendGroupMessageCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/sendGroupMessage", self.apiUrl),
		sendGroupMessage,
		self.session.ByJwt(),
		&SendGroupMessageResult{},
		callback,
	)
}

type CreateGroupCallback apiCallback[*CreateGroupResult]

type CreateGroupArgs struct {
	GroupName  string `json:"groupName"`
	AboutGroup string `json:"aboutGroup"`
}

type CreateGroupResult struct {
	NewGroupCode string `json:"newGroupCode"`
}

func (self *FeedApi) CreateGroup(createGroup *CreateGroupArgs, callback CreateGroupCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/createGroup", self.apiUrl),
		createGroup,
		self.session.ByJwt(),
		&CreateGroupResult{},
		callback,
	)
}

type JoinGroupCallback apiCallback[*JoinGroupResult]

type JoinGroupArgs struct {
	GroupCode string `json:"groupCode"`
}

type JoinGroupResult struct {
	Message string `json:"message,omitempty"`
	Group   *Group `json:"group,omitempty"`
}

func (self *FeedApi) JoinGroup(joinGroup *JoinGroupArgs, callback JoinGroupCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/joinGroup", self.apiUrl),
		joinGroup,
		self.session.ByJwt(),
		&JoinGroupResult{},
		callback,
	)
}

type GetUserGroupsCallback apiCallback[*GetUserGroupsResult]

type GetUserGroupsResult struct {
	Groups []*Group `json:"groups"`
}

func (self *FeedApi) GetUserGroups(callback GetUserGroupsCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go get(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/getUserGroups", self.apiUrl),
		self.session.ByJwt(),
		&GetUserGroupsResult{},
		callback,
	)
}

type GetUserDataCallback apiCallback[*GetUserDataResult]

type GetUserDataArgs struct {
	Username  string
	GroupCode string
	Page      int
}

type GetUserDataResult struct {
	Message string       `json:"message,omitempty"`
	User    *UserProfile `json:"user,omitempty"`
}

type UserProfile struct {
	Id         string  `json:"id"`
	Username   string  `json:"username"`
	Email      string  `json:"email"`
	Feeds      []*Post `json:"feeds"`
	TotalPages int     `json:"total_pages"`
}

// GetUserData serves the profile feed: the posts authored by one user,
// scoped to a shared group unless the user is viewing their own profile.
func (self *FeedApi) GetUserData(getUserData *GetUserDataArgs, callback GetUserDataCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go get(
		self.ctx,
		self.httpClient,
		fmt.Sprintf(
			"%s/getUserData?page=%d&username=%s&groupCode=%s",
			self.apiUrl,
			getUserData.Page,
			url.QueryEscape(getUserData.Username),
			url.QueryEscape(getUserData.GroupCode),
		),
		self.session.ByJwt(),
		&GetUserDataResult{},
		callback,
	)
}

type AboutGroupCallback apiCallback[*AboutGroupResult]

type AboutGroupArgs struct {
	GroupCode string
}

type AboutGroupResult struct {
	Group   *Group         `json:"group,omitempty"`
	Members []*GroupMember `json:"members,omitempty"`
}

func (self *FeedApi) AboutGroup(aboutGroup *AboutGroupArgs, callback AboutGroupCallback) {
	if err := self.checkSession(); err != nil {
		callback.Result(nil, err)
		return
	}
	go get(
		self.ctx,
		self.httpClient,
		fmt.Sprintf(
			"%s/aboutGroup?groupCode=%s",
			self.apiUrl,
			url.QueryEscape(aboutGroup.GroupCode),
		),
		self.session.ByJwt(),
		&AboutGroupResult{},
		callback,
	)
}

type apiErrorBody struct {
	Message string `json:"message"`
}

// the response body is `{"message": ...}` on errors; the status carries the
// machine code
func errorFromResponse(statusCode int, responseBodyBytes []byte) error {
	message := strings.TrimSpace(string(responseBodyBytes))
	var body apiErrorBody
	if err := json.Unmarshal(responseBodyBytes, &body); err == nil && body.Message != "" {
		message = body.Message
	}

	var code ApiErrorCode
	switch statusCode {
	case http.StatusUnauthorized:
		code = ApiErrorUnauthorized
	case http.StatusForbidden:
		code = ApiErrorForbidden
	case http.StatusNotFound:
		code = ApiErrorNotFound
	case http.StatusBadRequest:
		code = ApiErrorValidation
	default:
		code = ApiErrorInternal
	}

	return &ApiError{
		Code:    code,
		Message: message,
	}
}

func post[R any](ctx context.Context, client *http.Client, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, client, "POST", url, args, byJwt, result, callback)
}

func put[R any](ctx context.Context, client *http.Client, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, client, "PUT", url, args, byJwt, result, callback)
}

func del[R any](ctx context.Context, client *http.Client, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, client, "DELETE", url, args, byJwt, result, callback)
}

func get[R any](ctx context.Context, client *http.Client, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, client, "GET", url, nil, byJwt, result, callback)
}

func request[R any](ctx context.Context, client *http.Client, method string, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if http.StatusOK != r.StatusCode && http.StatusCreated != r.StatusCode {
		err = errorFromResponse(r.StatusCode, responseBodyBytes)
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
