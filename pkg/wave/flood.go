package wave

import "go.uber.org/zap"

// flood delivers a chat message and forwards it away from its parent. It
// never waits for anything, so it is finalized as soon as it starts.
type flood struct {
	env    *Env
	bc     *Broadcaster
	parent Conn
	msg    Message
}

func newFlood(env *Env, bc *Broadcaster, parent Conn, msg Message) *flood {
	msg.Phase = PhaseNone
	return &flood{env: env, bc: bc, parent: parent, msg: msg}
}

func (f *flood) Kind() Kind              { return KindFlood }
func (f *flood) Initiator() bool         { return f.parent == nil }
func (f *flood) Finalized() bool         { return true }
func (f *flood) OnMessage(Conn, Message) {}
func (f *flood) OnDisconnect(string)     {}

func (f *flood) Outcome() any {
	return struct {
		Sender  string `json:"sender"`
		Message string `json:"message"`
	}{f.msg.Sender, f.msg.Text}
}

func (f *flood) start() {
	f.env.Presenter.ShowChatLine(f.msg.Sender, f.msg.Text)

	except := ""
	if f.parent != nil {
		except = f.parent.Peer()
	}
	reached := f.bc.Broadcast(f.msg, except)
	f.env.Log.Debug("flood forwarded",
		zap.String("round", f.msg.Round), zap.String("parent", except), zap.Int("reached", len(reached)))
}
