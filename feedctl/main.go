package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/groupstream/feedsync"
)

const FeedCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Feed sync control.

Usage:
    feedctl login --api_url=<api_url> --username=<username>
    feedctl groups --api_url=<api_url> --jwt=<jwt>
    feedctl tail-feed --api_url=<api_url> --transport_url=<transport_url>
        --jwt=<jwt> --group=<group_code>
    feedctl tail-chat --api_url=<api_url> --transport_url=<transport_url>
        --jwt=<jwt> --group=<group_code>
    feedctl post --api_url=<api_url> --transport_url=<transport_url>
        --jwt=<jwt> --group=<group_code> --heading=<heading> [<content>]
    feedctl send --api_url=<api_url> --transport_url=<transport_url>
        --jwt=<jwt> --group=<group_code> [<message>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>              REST api url.
    --transport_url=<transport_url>  Push channel websocket url.
    --username=<username>
    --jwt=<jwt>                      Session token from login.
    --group=<group_code>             Group code.
    --heading=<heading>              Post heading.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], FeedCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if groups_, _ := opts.Bool("groups"); groups_ {
		groups(opts)
	} else if tailFeed_, _ := opts.Bool("tail-feed"); tailFeed_ {
		tail(opts, feedsync.ScopeKindFeedGroup)
	} else if tailChat_, _ := opts.Bool("tail-chat"); tailChat_ {
		tail(opts, feedsync.ScopeKindChatGroup)
	} else if post_, _ := opts.Bool("post"); post_ {
		post(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	}
}

func newClient(opts docopt.Opts) *feedsync.Client {
	apiUrl, _ := opts.String("--api_url")
	transportUrl, _ := opts.String("--transport_url")

	client := feedsync.NewClientWithDefaults(context.Background(), apiUrl, transportUrl)

	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		if err := client.Session().SetByJwt(jwt); err != nil {
			Err.Fatalf("bad jwt: %s", err)
		}
	}
	return client
}

func login(opts docopt.Opts) {
	username, _ := opts.String("--username")

	fmt.Print("password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		Err.Fatalf("could not read password: %s", err)
	}

	client := newClient(opts)
	defer client.Close()

	if err := client.Login(username, string(passwordBytes)); err != nil {
		Err.Fatalf("login failed: %s", err)
	}
	Out.Printf("%s", client.Session().ByJwt())
}

func groups(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()

	callback, c := feedsync.NewBlockingApiCallback[*feedsync.GetUserGroupsResult](context.Background())
	client.Api().GetUserGroups(callback)
	r := <-c
	if r.Error != nil {
		Err.Fatalf("could not list groups: %s", r.Error)
	}
	for _, group := range r.Result.Groups {
		Out.Printf("%s  %s", group.Code, group.Name)
	}
}

func openScope(opts docopt.Opts, kind feedsync.ScopeKind) (*feedsync.Client, *feedsync.ScopeSession) {
	groupCode, _ := opts.String("--group")

	client := newClient(opts)

	scope := feedsync.Scope{
		Kind: kind,
		Key:  groupCode,
	}
	scopeSession, err := client.OpenScope(scope)
	if err != nil {
		client.Close()
		Err.Fatalf("could not open %s: %s", scope, err)
	}
	return client, scopeSession
}

func tail(opts docopt.Opts, kind feedsync.ScopeKind) {
	client, scopeSession := openScope(opts, kind)
	defer client.Close()

	scopeSession.AddErrorCallback(func(err error) {
		Err.Printf("%s: %s", scopeSession.Scope(), err)
	})
	scopeSession.AddChangeCallback(func() {
		switch kind {
		case feedsync.ScopeKindChatGroup:
			chat := scopeSession.Chat()
			Out.Printf("-- %d messages --", len(chat.Messages))
			for _, message := range chat.Messages {
				Out.Printf("[%s] %s: %s", message.CreatedAt, message.Author, message.Content)
			}
		default:
			feed := scopeSession.Feed()
			Out.Printf("-- %d posts --", len(feed.Posts))
			for _, post := range feed.Posts {
				Out.Printf("%s (%s, %d likes)", post.Heading, post.Author, post.LikeCount)
				for _, comment := range post.Comments {
					Out.Printf("    %s: %s", comment.Author, comment.Content)
				}
			}
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	scopeSession.Close()
}

func post(opts docopt.Opts) {
	heading, _ := opts.String("--heading")
	content, _ := opts.String("<content>")
	if content == "" {
		content = readLines()
	}

	client, scopeSession := openScope(opts, feedsync.ScopeKindFeedGroup)
	defer client.Close()

	done := make(chan error, 1)
	scopeSession.Intents().AddPost(heading, content, "", func(err error) {
		done <- err
	})
	if err := <-done; err != nil {
		Err.Fatalf("post failed: %s", err)
	}
	Out.Printf("posted")
	scopeSession.Close()
}

func send(opts docopt.Opts) {
	message, _ := opts.String("<message>")
	if message == "" {
		message = readLines()
	}

	client, scopeSession := openScope(opts, feedsync.ScopeKindChatGroup)
	defer client.Close()

	done := make(chan error, 1)
	scopeSession.Intents().SendMessage(message, func(err error) {
		done <- err
	})
	if err := <-done; err != nil {
		Err.Fatalf("send failed: %s", err)
	}
	Out.Printf("sent")
	scopeSession.Close()
}

func readLines() string {
	lines := []string{}
	var line string
	for {
		_, err := fmt.Scanln(&line)
		if err != nil {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
