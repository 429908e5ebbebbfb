/*
Licensed to the Apache Software Foundation (ASF) under one
or more contributor license agreements.  See the NOTICE file
distributed with this work for additional information
regarding copyright ownership.  The ASF licenses this file
to you under the Apache License, Version 2.0 (the
"License"); you may not use this file except in compliance
with the License.  You may obtain a copy of the License at

  http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing,
software distributed under the License is distributed on an
"AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
KIND, either express or implied.  See the License for the
specific language governing permissions and limitations
under the License.
*/

package proton

import (
	"bytes"
	"fmt"

	"github.com/apache/qpid-muon/wire"
)

// Built-in SASL mechanisms. Every muon endpoint supports ANONYMOUS; PLAIN is
// available on the client when credentials are set, and on the server when a
// VerifyPlain callback is configured.
const (
	SASLAnonymous = "ANONYMOUS"
	SASLPlain     = "PLAIN"
)

// saslClient runs the client side of the SASL layer: header exchange,
// mechanism selection and outcome. A permanent negotiation failure is
// reported as an error wrapping ErrAuth.
func (e *Engine) saslClient() error {
	if err := e.exchangeHeader(wire.ProtoSASL); err != nil {
		return err
	}
	f, err := e.wire.ReadFrame()
	if err != nil {
		return err
	}
	mechs, ok := f.(*wire.SASLMechanisms)
	if !ok {
		return fmt.Errorf("%w: unexpected %T before sasl-mechanisms", ErrProtocol, f)
	}
	mech, response, err := e.chooseMech(mechs.Mechanisms)
	if err != nil {
		return err
	}
	e.log.Trace("sasl mechanism chosen", "mechanism", mech)
	if err := e.wire.WriteFrame(wire.TSASLInit, wire.SASLInit{Mechanism: mech, Response: response}); err != nil {
		return err
	}
	f, err = e.wire.ReadFrame()
	if err != nil {
		return err
	}
	outcome, ok := f.(*wire.SASLOutcome)
	if !ok {
		return fmt.Errorf("%w: unexpected %T before sasl-outcome", ErrProtocol, f)
	}
	if outcome.Code != wire.SASLOK {
		return fmt.Errorf("%w: outcome %d: %s", ErrAuth, outcome.Code, outcome.Info)
	}
	return nil
}

// chooseMech picks the first usable mechanism: the client's allow-list order
// when one is configured, otherwise PLAIN if credentials are set, falling
// back to ANONYMOUS.
func (e *Engine) chooseMech(offered []string) (string, []byte, error) {
	usable := func(m string) bool {
		switch m {
		case SASLAnonymous:
			return true
		case SASLPlain:
			return e.cfg.User != "" && e.cfg.Password != nil
		default:
			return false
		}
	}
	candidates := e.cfg.AllowedMechs
	if len(candidates) == 0 {
		candidates = []string{SASLPlain, SASLAnonymous}
	}
	for _, m := range candidates {
		if !usable(m) || !contains(offered, m) {
			continue
		}
		if m == SASLPlain {
			return m, plainResponse(e.cfg.User, e.cfg.Password), nil
		}
		return m, nil, nil
	}
	return "", nil, fmt.Errorf("%w: no mutual mechanism in %v", ErrAuth, offered)
}

// saslServer runs the server side of the SASL layer. The outcome frame is
// sent before failing so the client learns the negotiation is over.
func (e *Engine) saslServer() error {
	if err := e.exchangeHeader(wire.ProtoSASL); err != nil {
		return err
	}
	mechs := e.cfg.AllowedMechs
	if len(mechs) == 0 {
		mechs = []string{SASLAnonymous}
	}
	if err := e.wire.WriteFrame(wire.TSASLMechanisms, wire.SASLMechanisms{Mechanisms: mechs}); err != nil {
		return err
	}
	f, err := e.wire.ReadFrame()
	if err != nil {
		return err
	}
	init, ok := f.(*wire.SASLInit)
	if !ok {
		return fmt.Errorf("%w: unexpected %T before sasl-init", ErrProtocol, f)
	}
	if err := e.verifyInit(mechs, init); err != nil {
		_ = e.wire.WriteFrame(wire.TSASLOutcome, wire.SASLOutcome{Code: wire.SASLAuth, Info: err.Error()})
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return e.wire.WriteFrame(wire.TSASLOutcome, wire.SASLOutcome{Code: wire.SASLOK})
}

func (e *Engine) verifyInit(allowed []string, init *wire.SASLInit) error {
	if !contains(allowed, init.Mechanism) {
		return fmt.Errorf("mechanism %q not allowed", init.Mechanism)
	}
	switch init.Mechanism {
	case SASLAnonymous:
		return nil
	case SASLPlain:
		user, pass, ok := parsePlain(init.Response)
		if !ok {
			return fmt.Errorf("malformed PLAIN response")
		}
		if e.cfg.VerifyPlain == nil || !e.cfg.VerifyPlain(user, pass) {
			return fmt.Errorf("PLAIN authentication rejected for %q", user)
		}
		return nil
	default:
		return fmt.Errorf("mechanism %q not implemented", init.Mechanism)
	}
}

// plainResponse builds the RFC 4616 initial response: authzid NUL authcid NUL passwd.
func plainResponse(user string, pass []byte) []byte {
	r := make([]byte, 0, len(user)+len(pass)+2)
	r = append(r, 0)
	r = append(r, user...)
	r = append(r, 0)
	r = append(r, pass...)
	return r
}

func parsePlain(response []byte) (user, pass string, ok bool) {
	parts := bytes.SplitN(response, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", false
	}
	return string(parts[1]), string(parts[2]), true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
