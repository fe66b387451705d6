package handlers

import (
	"crypto/subtle"
	"io/fs"
	"net/http"

	"github.com/google/uuid"

	"github.com/xelth-com/graphnotify/internal/graph"
	"github.com/xelth-com/graphnotify/internal/models"
	"github.com/xelth-com/graphnotify/internal/session"
)

// delegatedResource is the mailbox resource watched for signed-in users
const delegatedResource = "me/mailFolders('Inbox')/messages"

// homeView is the JSON home page
type homeView struct {
	SignedIn       bool     `json:"signedIn"`
	User           string   `json:"user,omitempty"`
	SubscriptionID string   `json:"subscriptionId,omitempty"`
	AppOnly        bool     `json:"appOnly,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

func (r *Router) home(w http.ResponseWriter, req *http.Request) {
	sess := session.FromContext(req.Context())
	view := homeView{
		SignedIn:       sess.SignedIn(),
		User:           sess.UserName,
		SubscriptionID: sess.SubscriptionID,
		AppOnly:        sess.AppOnly,
		Errors:         sess.TakeFlash(),
	}
	if len(view.Errors) > 0 {
		r.saveSession(w, sess)
	}
	respondJSON(w, http.StatusOK, view)
}

func (r *Router) watch(w http.ResponseWriter, req *http.Request) {
	if r.static == nil {
		respondError(w, http.StatusNotFound, "watch page not available")
		return
	}
	page, err := fs.ReadFile(r.static, "watch.html")
	if err != nil {
		respondError(w, http.StatusNotFound, "watch page not available")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (r *Router) saveSession(w http.ResponseWriter, sess *session.Data) {
	if err := r.sessions.Save(w, sess); err != nil {
		r.log.Error("failed to save session", "error", err)
	}
}

// fail flashes msg and sends the browser home
func (r *Router) fail(w http.ResponseWriter, req *http.Request, sess *session.Data, msg string, err error) {
	r.log.Warn(msg, "error", err)
	sess.AddFlash(msg)
	r.saveSession(w, sess)
	http.Redirect(w, req, "/", http.StatusFound)
}

func (r *Router) delegatedSignin(w http.ResponseWriter, req *http.Request) {
	sess := session.FromContext(req.Context())
	sess.State = uuid.New().String()
	r.saveSession(w, sess)
	http.Redirect(w, req, r.auth.AuthCodeURL(sess.State), http.StatusFound)
}

func (r *Router) delegatedCallback(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	sess := session.FromContext(ctx)
	q := req.URL.Query()

	if e := q.Get("error"); e != "" {
		r.fail(w, req, sess, "Sign-in failed: "+q.Get("error_description"), nil)
		return
	}
	state := q.Get("state")
	if sess.State == "" || subtle.ConstantTimeCompare([]byte(state), []byte(sess.State)) != 1 {
		r.fail(w, req, sess, "Sign-in failed: state mismatch", nil)
		return
	}
	sess.State = ""

	if r.cfg.Subscription.PublicBaseURL == "" {
		r.fail(w, req, sess, "PUBLIC_BASE_URL is not configured", nil)
		return
	}

	tok, err := r.auth.Exchange(ctx, q.Get("code"))
	if err != nil {
		r.fail(w, req, sess, "Sign-in failed", err)
		return
	}
	me, err := r.api.GetMe(ctx, tok.AccessToken)
	if err != nil {
		r.fail(w, req, sess, "Failed to read the signed-in account", err)
		return
	}
	r.auth.Remember(me.ID, tok)

	remote, err := r.api.CreateSubscription(ctx, tok.AccessToken, graph.SubscriptionRequest{
		ChangeType:               "created",
		NotificationURL:          r.cfg.NotificationURL(),
		LifecycleNotificationURL: r.cfg.LifecycleURL(),
		Resource:                 delegatedResource,
		ExpirationDateTime:       r.now().Add(r.cfg.Subscription.TTL).UTC(),
		ClientState:              r.cfg.Subscription.ClientState,
	})
	if err != nil {
		r.fail(w, req, sess, "Failed to create subscription", err)
		return
	}

	if err := r.registry.Put(ctx, subscriptionRecord(remote, me.ID)); err != nil {
		r.fail(w, req, sess, "Failed to store subscription", err)
		return
	}

	sess.AccountID = me.ID
	sess.UserName = me.DisplayName
	sess.SubscriptionID = remote.ID
	sess.AppOnly = false
	r.saveSession(w, sess)
	http.Redirect(w, req, "/watch", http.StatusFound)
}

func (r *Router) delegatedSignout(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	sess := session.FromContext(ctx)

	if sess.SubscriptionID != "" && sess.AccountID != "" {
		if token, err := r.auth.UserToken(ctx, sess.AccountID); err == nil {
			if err := r.api.DeleteSubscription(ctx, token, sess.SubscriptionID); err != nil {
				r.log.Warn("failed to delete remote subscription", "subscription_id", sess.SubscriptionID, "error", err)
			}
		} else {
			r.log.Warn("no token to delete remote subscription", "subscription_id", sess.SubscriptionID, "error", err)
		}
		r.forget(req, sess.SubscriptionID)
	}
	if sess.AccountID != "" {
		r.auth.Forget(sess.AccountID)
	}

	r.sessions.Clear(w)
	http.Redirect(w, req, "/", http.StatusFound)
}

func (r *Router) appOnlySubscribe(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	sess := session.FromContext(ctx)

	if r.cert == "" {
		r.fail(w, req, sess, "No encryption certificate configured", nil)
		return
	}
	if r.cfg.Subscription.PublicBaseURL == "" {
		r.fail(w, req, sess, "PUBLIC_BASE_URL is not configured", nil)
		return
	}

	token, err := r.auth.AppToken(ctx)
	if err != nil {
		r.fail(w, req, sess, "Failed to acquire application token", err)
		return
	}

	// Only one application subscription is kept
	existing, err := r.registry.ListByOwner(ctx, models.AppOnlyOwner)
	if err != nil {
		r.log.Warn("failed to list application subscriptions", "error", err)
	}
	for _, sub := range existing {
		if err := r.api.DeleteSubscription(ctx, token, sub.ID); err != nil {
			r.log.Warn("failed to delete previous application subscription", "subscription_id", sub.ID, "error", err)
		}
		r.forget(req, sub.ID)
	}

	remote, err := r.api.CreateSubscription(ctx, token, graph.SubscriptionRequest{
		ChangeType:               "created",
		NotificationURL:          r.cfg.NotificationURL(),
		LifecycleNotificationURL: r.cfg.LifecycleURL(),
		Resource:                 r.cfg.Subscription.AppOnlyResource,
		ExpirationDateTime:       r.now().Add(r.cfg.Subscription.TTL).UTC(),
		ClientState:              r.cfg.Subscription.ClientState,
		IncludeResourceData:      true,
		EncryptionCertificate:    r.cert,
		EncryptionCertificateID:  r.cfg.Crypto.CertificateID,
	})
	if err != nil {
		r.fail(w, req, sess, "Failed to create application subscription", err)
		return
	}

	if err := r.registry.Put(ctx, subscriptionRecord(remote, models.AppOnlyOwner)); err != nil {
		r.fail(w, req, sess, "Failed to store subscription", err)
		return
	}

	sess.AppOnly = true
	sess.UserName = "APP-ONLY"
	sess.SubscriptionID = remote.ID
	r.saveSession(w, sess)
	http.Redirect(w, req, "/watch", http.StatusFound)
}

func (r *Router) appOnlySignout(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	sess := session.FromContext(ctx)

	if sess.AppOnly && sess.SubscriptionID != "" {
		if token, err := r.auth.AppToken(ctx); err == nil {
			if err := r.api.DeleteSubscription(ctx, token, sess.SubscriptionID); err != nil {
				r.log.Warn("failed to delete remote subscription", "subscription_id", sess.SubscriptionID, "error", err)
			}
		} else {
			r.log.Warn("no application token to delete subscription", "error", err)
		}
		r.forget(req, sess.SubscriptionID)
	}

	r.sessions.Clear(w)
	http.Redirect(w, req, "/", http.StatusFound)
}

func (r *Router) forget(req *http.Request, id string) {
	if err := r.registry.Delete(req.Context(), id); err != nil {
		r.log.Warn("failed to remove subscription from registry", "subscription_id", id, "error", err)
	}
}

func subscriptionRecord(remote *graph.RemoteSubscription, owner string) *models.Subscription {
	sub := &models.Subscription{
		ID:       remote.ID,
		OwnerID:  owner,
		Resource: remote.Resource,
	}
	if !remote.ExpirationDateTime.IsZero() {
		expires := remote.ExpirationDateTime
		sub.ExpiresAt = &expires
	}
	return sub
}
