package edge

import (
	"errors"

	"github.com/GordenArcher/idempotent-proxy/response"
)

// badRequest, authFailed and forbidden carry the caller-facing message
// alongside the error kind so the handler doesn't need a second switch to
// pick a body; errInsufficientCredit is a bare sentinel with a fixed body.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

type authFailed struct{ msg string }

func (e *authFailed) Error() string { return e.msg }

type forbidden struct{ msg string }

func (e *forbidden) Error() string { return e.msg }

var errInsufficientCredit = errors.New("edge: insufficient credit")

// upstreamFailure carries a fully-formed Response whose status is outside
// [200, 500] —
// these are not cached (they're a transient non-response) but are still
// mirrored verbatim to the caller. Returning it as an error from an
// UpstreamFunc makes dispatch.Engine.Dispatch take its delete(K)-and-fail
// path while still letting ServeProxy recover the original response to
// emit.
type upstreamFailure struct {
	res response.Response
}

func (e *upstreamFailure) Error() string { return "edge: upstream returned a non-cacheable status" }

func newBadRequest(msg string) error { return &badRequest{msg: msg} }
func newAuthFailed(msg string) error { return &authFailed{msg: msg} }
func newForbidden(msg string) error  { return &forbidden{msg: msg} }
