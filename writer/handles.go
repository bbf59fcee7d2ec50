package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	hr "github.com/julienschmidt/httprouter"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"openon.io/letters/common/logging"
	mw "openon.io/letters/common/middleware"
	"openon.io/letters/drafts"
	pe "openon.io/letters/errors"
	lt "openon.io/letters/letters"
	md "openon.io/letters/models"
)

func (wrt *writer) HandleAuthRegister(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	var req struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
		Passwd      string `json:"passwd"`
	}
	if err := wrt.decode(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.ID == "" || req.Passwd == "" {
		respondErr(w, pe.ErrBadInput("registration requires id and passwd"))
		return
	}
	u := md.User{ID: req.ID, Passwd: req.Passwd, DisplayName: req.DisplayName, Email: req.Email, CreationTime: time.Now()}
	if err := wrt.Users.Register(u); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (wrt *writer) HandleAuthLogin(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	clog := logging.WithFuncName()
	var req struct {
		ID     string `json:"id"`
		Passwd string `json:"passwd"`
	}
	if err := wrt.decode(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	u, err := wrt.Users.Authenticate(req.ID, req.Passwd)
	if err != nil {
		respondErr(w, err)
		return
	}
	sess, serr := wrt.Sessions.Get(r, mw.SessionName)
	if serr != nil {
		clog.WithError(serr).Error("error loading request session")
		respondErr(w, pe.ErrServiceFailure("error establishing session").WithCause(serr))
		return
	}
	sess.Values[mw.SessionKeyUserID] = u.ID
	if serr := sess.Save(r, w); serr != nil {
		clog.WithError(serr).Error("error saving request session")
		respondErr(w, pe.ErrServiceFailure("error establishing session").WithCause(serr))
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": u.ID, "displayName": u.DisplayName})
}

func (wrt *writer) HandleAuthLogout(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	sess, err := wrt.Sessions.Get(r, mw.SessionName)
	if err != nil {
		respondErr(w, pe.ErrServiceFailure("error loading session").WithCause(err))
		return
	}
	sess.Options.MaxAge = -1
	if err := sess.Save(r, w); err != nil {
		respondErr(w, pe.ErrServiceFailure("error clearing session").WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type letterReq struct {
	RecipientID        string    `json:"recipientId"`
	Title              string    `json:"title"`
	Content            string    `json:"content"`
	PhotoRef           string    `json:"photoRef"`
	Anonymous          bool      `json:"anonymous"`
	RevealDelaySeconds *int64    `json:"revealDelaySeconds"`
	DeliverAt          time.Time `json:"deliverAt"`
}

func (wrt *writer) HandleLetterCreate(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	var req letterReq
	if err := wrt.decode(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	l, err := wrt.Letters.Create(lt.CreateInput{
		SenderID:           mw.UserID(r),
		RecipientID:        req.RecipientID,
		Title:              req.Title,
		Content:            req.Content,
		PhotoRef:           req.PhotoRef,
		Anonymous:          req.Anonymous,
		RevealDelaySeconds: req.RevealDelaySeconds,
		DeliverAt:          req.DeliverAt,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]string{"id": l.ID})
}

func (wrt *writer) HandleLetterOpen(w http.ResponseWriter, r *http.Request, p hr.Params) {
	v, err := wrt.Letters.Open(p.ByName("lid"), mw.UserID(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, v)
}

func (wrt *writer) HandleLetterDiscard(w http.ResponseWriter, r *http.Request, p hr.Params) {
	if err := wrt.Letters.Discard(p.ByName("lid"), mw.UserID(r)); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type draftReq struct {
	Title           string `json:"title"`
	Content         string `json:"content"`
	RecipientName   string `json:"recipientName"`
	RecipientAvatar string `json:"recipientAvatar"`
}

// HandleDraftAutosave runs a background save cycle: the response never carries
// a store failure, only the editing session id the client should keep sending.
func (wrt *writer) HandleDraftAutosave(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	var req draftReq
	if err := wrt.decode(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	esid, err := wrt.editSessionID(w, r)
	if err != nil {
		respondErr(w, err)
		return
	}
	asv := wrt.autosave(r, esid)
	go asv.Save(context.Background(), req.Content, meta(req))
	respond(w, http.StatusAccepted, map[string]string{"editSessionId": esid})
}

// HandleDraftSave runs an explicit save and surfaces store failure to the
// caller, unlike the background autosave.
func (wrt *writer) HandleDraftSave(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	var req draftReq
	if err := wrt.decode(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	esid, err := wrt.editSessionID(w, r)
	if err != nil {
		respondErr(w, err)
		return
	}
	asv := wrt.autosave(r, esid)
	if err := asv.SaveNow(r.Context(), req.Content, meta(req)); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{
		"editSessionId": esid,
		"draftId":       wrt.Registry.Session(esid).DraftID(),
	})
}

type sendReq struct {
	RecipientID        string    `json:"recipientId"`
	Anonymous          bool      `json:"anonymous"`
	RevealDelaySeconds *int64    `json:"revealDelaySeconds"`
	DeliverAt          time.Time `json:"deliverAt"`
}

// HandleDraftSend promotes a draft into a sealed letter and removes the draft
// row. The draft is gone even if its deletion fails; cleanup is best effort
// once the letter exists.
func (wrt *writer) HandleDraftSend(w http.ResponseWriter, r *http.Request, p hr.Params) {
	clog := logging.WithFuncName()
	var req sendReq
	if err := wrt.decode(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	uid, did := mw.UserID(r), p.ByName("did")
	d, err := wrt.Drafts.Get(r.Context(), did)
	if err != nil {
		respondErr(w, err)
		return
	}
	if d.OwnerID != uid {
		respondErr(w, pe.ErrNotFound("draft not found"))
		return
	}
	l, err := wrt.Letters.Create(lt.CreateInput{
		SenderID:           uid,
		RecipientID:        req.RecipientID,
		Title:              d.Title,
		Content:            d.Content,
		Anonymous:          req.Anonymous,
		RevealDelaySeconds: req.RevealDelaySeconds,
		DeliverAt:          req.DeliverAt,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	if derr := wrt.Drafts.Delete(r.Context(), did); derr != nil {
		clog.WithError(derr).WithField("draftID", did).Warning("letter sent but draft row not removed")
	}
	wrt.dropEditSession(r, did)
	respond(w, http.StatusCreated, map[string]string{"id": l.ID})
}

func (wrt *writer) HandleDraftDelete(w http.ResponseWriter, r *http.Request, p hr.Params) {
	uid, did := mw.UserID(r), p.ByName("did")
	d, err := wrt.Drafts.Get(r.Context(), did)
	if err != nil {
		respondErr(w, err)
		return
	}
	if d.OwnerID != uid {
		respondErr(w, pe.ErrNotFound("draft not found"))
		return
	}
	if err := wrt.Drafts.Delete(r.Context(), did); err != nil {
		respondErr(w, err)
		return
	}
	wrt.dropEditSession(r, did)
	w.WriteHeader(http.StatusNoContent)
}

func (wrt *writer) HandleRecipientCreate(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	var req struct {
		Name         string `json:"name"`
		AvatarRef    string `json:"avatarRef"`
		Email        string `json:"email"`
		LinkedUserID string `json:"linkedUserId"`
	}
	if err := wrt.decode(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.Name == "" {
		respondErr(w, pe.ErrBadInput("recipient requires a name"))
		return
	}
	uid := mw.UserID(r)
	if req.LinkedUserID != "" {
		connected, err := wrt.Connections.AreConnected(uid, req.LinkedUserID)
		if err != nil {
			respondErr(w, err)
			return
		}
		if !connected {
			respondErr(w, pe.ErrBadInput("linked recipients require a mutual connection"))
			return
		}
	}
	rec, err := wrt.Recipients.Create(&md.Recipient{
		OwnerID:      uid,
		Name:         req.Name,
		AvatarRef:    req.AvatarRef,
		Email:        req.Email,
		LinkedUserID: req.LinkedUserID,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, rec)
}

func (wrt *writer) HandleConnectionCreate(w http.ResponseWriter, r *http.Request, p hr.Params) {
	uid, other := mw.UserID(r), p.ByName("uid")
	if other == "" || other == uid {
		respondErr(w, pe.ErrBadInput("cannot connect a user to themselves"))
		return
	}
	if err := wrt.Connections.Connect(uid, other); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// editSessionID returns the caller's letter-editing session id, minting and
// persisting one into the gorilla session on first use.
func (wrt *writer) editSessionID(w http.ResponseWriter, r *http.Request) (string, *pe.LetterErr) {
	if esid := mw.EditSessionID(r); esid != "" {
		return esid, nil
	}
	sess, err := wrt.Sessions.Get(r, mw.SessionName)
	if err != nil {
		return "", pe.ErrServiceFailure("error loading session").WithCause(err)
	}
	kid, err := ksuid.NewRandom()
	if err != nil {
		return "", pe.ErrServiceFailure("error minting editing session id").WithCause(err)
	}
	esid := kid.String()
	sess.Values[mw.SessionKeyEditSessionID] = esid
	if err := sess.Save(r, w); err != nil {
		return "", pe.ErrServiceFailure("error saving session").WithCause(err)
	}
	return esid, nil
}

func (wrt *writer) autosave(r *http.Request, esid string) *drafts.Autosave {
	return drafts.NewAutosave(wrt.Drafts, mw.UserID(r), wrt.Registry.Session(esid), wrt.Debounce)
}

// dropEditSession forgets the editing-session cell when it points at the draft
// that just got sent or deleted.
func (wrt *writer) dropEditSession(r *http.Request, draftID string) {
	esid := mw.EditSessionID(r)
	if esid == "" {
		return
	}
	if sess, ok := wrt.Registry.Lookup(esid); ok && sess.DraftID() == draftID {
		wrt.Registry.Drop(esid)
	}
}

func (wrt *writer) decode(w http.ResponseWriter, r *http.Request, v interface{}) *pe.LetterErr {
	body := http.MaxBytesReader(w, r.Body, wrt.BodyLimit)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return pe.ErrBadInput("error parsing request body").WithCause(err)
	}
	return nil
}

func meta(req draftReq) drafts.Meta {
	return drafts.Meta{
		Title:           req.Title,
		RecipientName:   req.RecipientName,
		RecipientAvatar: req.RecipientAvatar,
	}
}

func respond(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("error encoding response body")
	}
}

func respondErr(w http.ResponseWriter, err *pe.LetterErr) {
	respond(w, err.StatusCode(), map[string]string{
		"error": err.Error(),
		"code":  string(err.Code),
	})
}
