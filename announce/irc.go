// Package announce posts episode and evaluation summaries to an IRC channel.
package announce

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	goirc "github.com/fluffle/goirc/client"
	"github.com/mtharp/bridgebid/appconfig"
	"github.com/mtharp/bridgebid/engine"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Announcer is an engine.Observer. Messages are dropped while the
// connection is down.
type Announcer struct {
	engine.NopObserver
	channel string
	conn    *goirc.Conn
}

// TokenSource wraps a static chat token.
func TokenSource(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
}

// Dial connects to cfg.Server over TLS and joins cfg.Channel once the
// server has accepted the login.
func Dial(cfg appconfig.IRCConfig, ts oauth2.TokenSource) (*Announcer, error) {
	host, _, err := net.SplitHostPort(cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "parsing irc.server")
	}
	ic := goirc.NewConfig(cfg.Nick, cfg.Nick, cfg.Nick+" bidding trainer")
	ic.Server = cfg.Server
	ic.SSL = true
	ic.SSLConfig = &tls.Config{ServerName: host}
	if ts != nil {
		t, err := ts.Token()
		if err != nil {
			return nil, errors.Wrap(err, "fetching chat token")
		}
		if t.AccessToken != "" {
			ic.Pass = "oauth:" + t.AccessToken
		}
	}

	a := &Announcer{channel: cfg.Channel, conn: goirc.Client(ic)}
	a.conn.HandleFunc(goirc.CONNECTED, func(conn *goirc.Conn, line *goirc.Line) {
		log.WithField("server", ic.Server).Info("irc connected")
		conn.Join(a.channel)
	})
	a.conn.HandleFunc(goirc.DISCONNECTED, func(conn *goirc.Conn, line *goirc.Line) {
		log.WithField("server", ic.Server).Warn("irc disconnected")
	})
	log.WithField("server", ic.Server).Info("attempting irc connection")
	if err := a.conn.Connect(); err != nil {
		return nil, errors.Wrap(err, "can't connect to IRC")
	}
	return a, nil
}

func (a *Announcer) EpisodeDone(r engine.EpisodeReport) {
	a.say(episodeMessage(r))
}

func (a *Announcer) Evaluated(r engine.EvalReport) {
	a.say(evalMessage(r))
}

func (a *Announcer) say(msg string) {
	if a.conn == nil || !a.conn.Connected() {
		return
	}
	a.conn.Privmsg(a.channel, msg)
}

func (a *Announcer) Close() {
	if a.conn != nil && a.conn.Connected() {
		a.conn.Quit("training finished")
	}
}

func episodeMessage(r engine.EpisodeReport) string {
	return fmt.Sprintf("episode %d done: chunk %d, %d/%d deals finished in %d/%d steps (%s)",
		r.Episode, r.Chunk, r.Finished, r.Deals, r.Steps, r.MaxSteps, r.Elapsed.Round(time.Second))
}

func evalMessage(r engine.EvalReport) string {
	return fmt.Sprintf("evaluation on chunk %d: score %.4f over %d deals (%d truncated)",
		r.Chunk, r.Score, r.Deals, r.Truncated)
}
