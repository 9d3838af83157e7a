package link

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"
)

// the native media capture and transport session, an external
// collaborator. the relay only moves its negotiation messages.
type MediaTransport interface {
	StartCapture(ctx context.Context, callId Id) (bool, error)
	StopCapture(ctx context.Context) error
	CreateOffer(ctx context.Context, callId Id) (webrtc.SessionDescription, error)
	SetRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	AddIceCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
	// locally gathered candidates, to publish for the remote peer
	AddLocalCandidateCallback(callback func(candidate webrtc.ICECandidateInit)) func()
}

// ephemeral, keyed by call id, removed when the exchange completes
type SignalingPayload struct {
	Sdp       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Timestamp int64                      `json:"timestamp"`
}

func (self *CallSignalingRelay) signalingPath(callId Id, parts ...string) string {
	return AccountPath(self.accountId, append([]string{"signaling", callId.String()}, parts...)...)
}

// starts relaying session negotiation for a call: publish the local
// offer, relay the remote answer and remote candidates into the local
// transport, publish locally gathered candidates. idempotent per call.
func (self *CallSignalingRelay) EnableRouting(callId Id) error {
	self.mutex.Lock()
	if _, ok := self.routing[callId]; ok {
		self.mutex.Unlock()
		return nil
	}
	session := &signalingSession{
		relay:  self,
		callId: callId,
	}
	self.routing[callId] = session
	self.mutex.Unlock()

	if err := session.start(self.ctx); err != nil {
		self.DisableRouting(callId)
		return err
	}
	return nil
}

// tears down all signaling for the call and deletes its subtree.
// cleanup is best effort: failures log, they never propagate.
func (self *CallSignalingRelay) DisableRouting(callId Id) {
	self.mutex.Lock()
	session, ok := self.routing[callId]
	delete(self.routing, callId)
	self.mutex.Unlock()

	if !ok {
		return
	}
	session.close()

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), self.settings.CleanupTimeout)
	defer cleanupCancel()
	if err := self.store.Delete(cleanupCtx, self.signalingPath(callId)); err != nil {
		glog.Infof("[c]signaling cleanup error %s = %s\n", callId, err)
	}
	if self.media != nil {
		if err := self.media.StopCapture(cleanupCtx); err != nil {
			glog.Infof("[c]stop capture error = %s\n", err)
		}
	}
}

type signalingSession struct {
	relay  *CallSignalingRelay
	callId Id

	sessionHandle    *FeedHandle
	candidatesHandle *FeedHandle
	unsubLocal       func()
}

func (self *signalingSession) start(ctx context.Context) error {
	relay := self.relay
	if relay.media == nil {
		return ErrCapabilityUnavailable
	}

	if ok, err := relay.media.StartCapture(ctx, self.callId); err != nil {
		return err
	} else if !ok {
		return ErrCapabilityUnavailable
	}

	offer, err := relay.media.CreateOffer(ctx, self.callId)
	if err != nil {
		return err
	}
	if err := self.publish(ctx, relay.signalingPath(self.callId, "offer"), &SignalingPayload{
		Sdp: &offer,
	}); err != nil {
		return err
	}

	self.unsubLocal = relay.media.AddLocalCandidateCallback(func(candidate webrtc.ICECandidateInit) {
		publishCtx, publishCancel := context.WithTimeout(relay.ctx, relay.settings.CommandTimeout)
		defer publishCancel()
		path := relay.signalingPath(self.callId, "ice_candidates_local", NewId().String())
		if err := self.publish(publishCtx, path, &SignalingPayload{
			Candidate: &candidate,
		}); err != nil {
			glog.Infof("[c]candidate publish error = %s\n", err)
		}
	})

	// answer arrives as a child of the call's signaling node
	sessionHandle, err := relay.feed.Subscribe(
		relay.signalingPath(self.callId),
		SubscribeScope{},
		func(event StoreEvent) {
			if event.Type == StoreEventRemoved || event.Key != "answer" {
				return
			}
			var payload SignalingPayload
			if err := json.Unmarshal(event.Value, &payload); err != nil || payload.Sdp == nil {
				glog.Infof("[c]bad answer payload for %s\n", self.callId)
				return
			}
			answerCtx, answerCancel := context.WithTimeout(relay.ctx, relay.settings.CommandTimeout)
			defer answerCancel()
			if err := relay.media.SetRemoteAnswer(answerCtx, *payload.Sdp); err != nil {
				glog.Infof("[c]set answer error = %s\n", err)
			}
		},
	)
	if err != nil {
		return err
	}
	self.sessionHandle = sessionHandle

	candidatesHandle, err := relay.feed.Subscribe(
		relay.signalingPath(self.callId, "ice_candidates_remote"),
		SubscribeScope{},
		func(event StoreEvent) {
			if event.Type == StoreEventRemoved {
				return
			}
			var payload SignalingPayload
			if err := json.Unmarshal(event.Value, &payload); err != nil || payload.Candidate == nil {
				glog.Infof("[c]bad candidate payload for %s\n", self.callId)
				return
			}
			candidateCtx, candidateCancel := context.WithTimeout(relay.ctx, relay.settings.CommandTimeout)
			defer candidateCancel()
			if err := relay.media.AddIceCandidate(candidateCtx, *payload.Candidate); err != nil {
				glog.Infof("[c]add candidate error = %s\n", err)
			}
		},
	)
	if err != nil {
		return err
	}
	self.candidatesHandle = candidatesHandle

	glog.Infof("[c]routing enabled for %s\n", self.callId)
	return nil
}

func (self *signalingSession) publish(ctx context.Context, path string, payload *SignalingPayload) error {
	payload.Timestamp = time.Now().UnixMilli()
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return self.relay.store.Set(ctx, path, value)
}

func (self *signalingSession) close() {
	if self.unsubLocal != nil {
		self.unsubLocal()
	}
	if self.sessionHandle != nil {
		self.relay.feed.Unsubscribe(self.sessionHandle)
	}
	if self.candidatesHandle != nil {
		self.relay.feed.Unsubscribe(self.candidatesHandle)
	}
}
