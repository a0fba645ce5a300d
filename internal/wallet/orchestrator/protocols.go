package orchestrator

import (
	"github.com/intersend/interspace-wallet-core/internal/wallet/engine"
	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// keygenProtocol runs distributed key generation. After the session
// completes the generated share is available on the struct.
type keygenProtocol struct {
	eng   engine.Engine
	state *engine.KeygenState
	share *keystore.KeyShare

	// serverPoint is the cosigner's public point from round 2, kept for the
	// post-session cross-check against the cosigner info endpoint.
	serverPoint string
}

func (p *keygenProtocol) Type() wire.SessionType { return wire.SessionKeyGeneration }

func (p *keygenProtocol) Algorithm() string { return string(p.eng.Algorithm()) }

func (p *keygenProtocol) Initial() (*wire.Envelope, error) {
	state, round1, err := p.eng.KeygenInit()
	if err != nil {
		return nil, err
	}
	p.state = state
	env, err := wire.NewEnvelope(wire.MsgKeygenRound1, "", round1)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "build keygen round1")
	}
	return env, nil
}

func (p *keygenProtocol) Handle(msg *wire.Envelope) (*wire.Envelope, error) {
	switch msg.Type {
	case wire.MsgKeygenRound2:
		var round2 wire.KeygenRound2
		if err := msg.Decode(&round2); err != nil {
			return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode keygen round2")
		}
		share, err := p.eng.KeygenFinish(p.state, &round2)
		if err != nil {
			return nil, err
		}
		p.share = share
		p.serverPoint = round2.ServerPoint
		confirm := &wire.KeygenConfirm{PublicKey: share.PublicKey, Address: share.Address}
		env, err := wire.NewEnvelope(wire.MsgKeygenConfirm, msg.SessionID, confirm)
		if err != nil {
			return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "build keygen confirm")
		}
		return env, nil
	default:
		return nil, walleterrors.Ef(walleterrors.KindKeyGenerationFailed, "unexpected message %s", msg.Type)
	}
}

// signProtocol runs a two-party signing exchange. The assembled signature is
// available on the struct after completion.
type signProtocol struct {
	eng         engine.Engine
	share       *keystore.KeyShare
	messageHash []byte
	path        string

	state     *engine.SignState
	signature string
}

func (p *signProtocol) Type() wire.SessionType { return wire.SessionSigning }

func (p *signProtocol) Algorithm() string { return string(p.eng.Algorithm()) }

func (p *signProtocol) Initial() (*wire.Envelope, error) {
	state, round1, err := p.eng.SignInit(p.share, p.messageHash, p.path)
	if err != nil {
		return nil, err
	}
	p.state = state
	env, err := wire.NewEnvelope(wire.MsgSignRound1, "", round1)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "build sign round1")
	}
	return env, nil
}

func (p *signProtocol) Handle(msg *wire.Envelope) (*wire.Envelope, error) {
	switch msg.Type {
	case wire.MsgSignRound2:
		var round2 wire.SignRound2
		if err := msg.Decode(&round2); err != nil {
			return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode sign round2")
		}
		sig, err := p.eng.SignFinish(p.state, &round2)
		if err != nil {
			return nil, err
		}
		p.signature = sig
		env, err := wire.NewEnvelope(wire.MsgSignComplete, msg.SessionID, &wire.SignComplete{Signature: sig})
		if err != nil {
			return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "build sign complete")
		}
		return env, nil
	default:
		return nil, walleterrors.Ef(walleterrors.KindSigningFailed, "unexpected message %s", msg.Type)
	}
}

// refreshProtocol runs a proactive share rotation. The refreshed share is
// available on the struct after completion; the public key never changes.
type refreshProtocol struct {
	eng   engine.Engine
	share *keystore.KeyShare

	refreshed *keystore.KeyShare
}

func (p *refreshProtocol) Type() wire.SessionType { return wire.SessionKeyRotation }

func (p *refreshProtocol) Algorithm() string { return string(p.eng.Algorithm()) }

func (p *refreshProtocol) Initial() (*wire.Envelope, error) {
	env, err := wire.NewEnvelope(wire.MsgRefreshRound1, "", &wire.RefreshRound1{KeyID: p.share.KeyID})
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "build refresh round1")
	}
	return env, nil
}

func (p *refreshProtocol) Handle(msg *wire.Envelope) (*wire.Envelope, error) {
	switch msg.Type {
	case wire.MsgRefreshRound2:
		var round2 wire.RefreshRound2
		if err := msg.Decode(&round2); err != nil {
			return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode refresh round2")
		}
		refreshed, err := p.eng.RefreshApply(p.share, &round2)
		if err != nil {
			return nil, err
		}
		p.refreshed = refreshed
		confirm := &wire.RefreshConfirm{PublicKey: refreshed.PublicKey}
		env, err := wire.NewEnvelope(wire.MsgRefreshConfirm, msg.SessionID, confirm)
		if err != nil {
			return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "build refresh confirm")
		}
		return env, nil
	default:
		return nil, walleterrors.Ef(walleterrors.KindKeyRotationFailed, "unexpected message %s", msg.Type)
	}
}
