package main

import (
	"github.com/cyberinferno/go-netserver/logger"
	"github.com/cyberinferno/go-netserver/tcpserver"
)

// talkback answers every frame with "You said: <frame>".
type talkback struct {
	tcpserver.BaseHandler
	log logger.Logger
}

func newTalkback(log logger.Logger) *talkback {
	return &talkback{log: log}
}

func (t *talkback) OnStart() {
	t.log.Info("talkback ready")
}

func (t *talkback) OnConnect(id int) {
	info, err := t.Server().GetClientInfo(id)
	if err != nil {
		return
	}

	t.log.Info("client connected",
		logger.Field{Key: "id", Value: id},
		logger.Field{Key: "host", Value: info.Host},
		logger.Field{Key: "port", Value: info.Port})
}

func (t *talkback) OnConnectionRefused(id int) {
	t.log.Warn("client refused", logger.Field{Key: "id", Value: id})
}

func (t *talkback) OnReceiveData(id int, frame []byte) {
	reply := make([]byte, 0, len("You said: ")+len(frame))
	reply = append(reply, "You said: "...)
	reply = append(reply, frame...)

	if err := t.Server().SendData(id, reply); err != nil {
		t.log.Warn("reply failed", logger.Field{Key: "id", Value: id}, logger.Field{Key: "error", Value: err})
	}
}

func (t *talkback) OnClose(id int) {
	t.log.Info("client disconnected", logger.Field{Key: "id", Value: id})
}

func (t *talkback) OnShutdown() {
	t.log.Info("talkback stopping")
}
