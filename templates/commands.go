// Copyright (C) 2021 Anshorei. All Rights Reserved.

package templates

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/Anshorei/zeronet-protocol/address"
	"github.com/Anshorei/zeronet-protocol/msgval"
)

// Pong is the body of a successful "ping" response.
const Pong = "Pong!"

// PongBody returns the response body for a "ping" request.
func PongBody() *msgval.Map {
	return msgval.NewMap().Set("body", msgval.String(Pong))
}

// GetFile carries the parameters of the "getFile" command, requesting a
// slice of a site file starting at Location.
type GetFile struct {
	Site      string
	InnerPath string
	Location  int64
	FileSize  int64 // optional; 0 means unknown
}

// Params implements part of the template conversion interface.
func (g *GetFile) Params() msgval.Value {
	m := msgval.NewMap().
		Set("site", msgval.String(g.Site)).
		Set("inner_path", msgval.String(g.InnerPath)).
		Set("location", msgval.Int(g.Location))
	if g.FileSize != 0 {
		m.Set("file_size", msgval.Int(g.FileSize))
	}
	return msgval.MapValue(m)
}

// FromParams implements part of the template conversion interface.
func (g *GetFile) FromParams(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("getFile params", v)
	}
	var err error
	if g.Site, err = getString(m, "site"); err != nil {
		return err
	}
	if g.InnerPath, err = getString(m, "inner_path"); err != nil {
		return err
	}
	if g.Location, err = getInt(m, "location"); err != nil {
		return err
	}
	g.FileSize, err = getInt(m, "file_size")
	return err
}

// GetFileResult is the body of a "getFile" response: the requested
// slice, the location after it, and the total file size.
type GetFileResult struct {
	Data     []byte
	Location int64
	Size     int64
}

// Body implements part of the template conversion interface.
func (g *GetFileResult) Body() *msgval.Map {
	return msgval.NewMap().
		Set("body", msgval.Binary(g.Data)).
		Set("location", msgval.Int(g.Location)).
		Set("size", msgval.Int(g.Size))
}

// FromBody implements part of the template conversion interface.
func (g *GetFileResult) FromBody(m *msgval.Map) error {
	var err error
	if g.Data, err = getBinary(m, "body"); err != nil {
		return err
	}
	if g.Location, err = getInt(m, "location"); err != nil {
		return err
	}
	g.Size, err = getInt(m, "size")
	return err
}

// StreamFile carries the parameters of the "streamFile" command. The
// file content itself travels as the raw trailer of the response frame,
// outside the structured portion.
type StreamFile struct {
	Site      string
	InnerPath string
	Location  int64
	Size      int64
}

// Params implements part of the template conversion interface.
func (s *StreamFile) Params() msgval.Value {
	m := msgval.NewMap().
		Set("site", msgval.String(s.Site)).
		Set("inner_path", msgval.String(s.InnerPath)).
		Set("location", msgval.Int(s.Location))
	if s.Size != 0 {
		m.Set("size", msgval.Int(s.Size))
	}
	return msgval.MapValue(m)
}

// FromParams implements part of the template conversion interface.
func (s *StreamFile) FromParams(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("streamFile params", v)
	}
	var err error
	if s.Site, err = getString(m, "site"); err != nil {
		return err
	}
	if s.InnerPath, err = getString(m, "inner_path"); err != nil {
		return err
	}
	if s.Location, err = getInt(m, "location"); err != nil {
		return err
	}
	s.Size, err = getInt(m, "size")
	return err
}

// StreamFileResult is the structured part of a "streamFile" response.
// The file slice itself is the frame trailer, and its length is
// announced by the framing layer, not by these fields.
type StreamFileResult struct {
	Location int64
	Size     int64
}

// Body implements part of the template conversion interface.
func (s *StreamFileResult) Body() *msgval.Map {
	return msgval.NewMap().
		Set("location", msgval.Int(s.Location)).
		Set("size", msgval.Int(s.Size))
}

// FromBody implements part of the template conversion interface.
func (s *StreamFileResult) FromBody(m *msgval.Map) error {
	var err error
	if s.Location, err = getInt(m, "location"); err != nil {
		return err
	}
	s.Size, err = getInt(m, "size")
	return err
}

// Pex carries the parameters of the "pex" peer-exchange command: the
// peers the sender is offering, and how many it wants back. Peer lists
// are packed addresses, the only place the address codec's output
// appears on the wire.
type Pex struct {
	Site       string
	Peers      [][]byte // packed IPv4 addresses
	PeersOnion [][]byte // packed onion addresses
	Need       int64
}

// Params implements part of the template conversion interface.
func (p *Pex) Params() msgval.Value {
	m := msgval.NewMap().Set("site", msgval.String(p.Site))
	if len(p.Peers) != 0 {
		m.Set("peers", binaryArray(p.Peers))
	}
	if len(p.PeersOnion) != 0 {
		m.Set("peers_onion", binaryArray(p.PeersOnion))
	}
	m.Set("need", msgval.Int(p.Need))
	return msgval.MapValue(m)
}

// FromParams implements part of the template conversion interface.
func (p *Pex) FromParams(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("pex params", v)
	}
	var err error
	if p.Site, err = getString(m, "site"); err != nil {
		return err
	}
	if p.Peers, err = getBinaries(m, "peers"); err != nil {
		return err
	}
	if p.PeersOnion, err = getBinaries(m, "peers_onion"); err != nil {
		return err
	}
	p.Need, err = getInt(m, "need")
	return err
}

// PexResult is the body of a "pex" response.
type PexResult struct {
	Peers      [][]byte
	PeersOnion [][]byte
}

// Body implements part of the template conversion interface.
func (p *PexResult) Body() *msgval.Map {
	return msgval.NewMap().
		Set("peers", binaryArray(p.Peers)).
		Set("peers_onion", binaryArray(p.PeersOnion))
}

// FromBody implements part of the template conversion interface.
func (p *PexResult) FromBody(m *msgval.Map) error {
	var err error
	if p.Peers, err = getBinaries(m, "peers"); err != nil {
		return err
	}
	p.PeersOnion, err = getBinaries(m, "peers_onion")
	return err
}

// Addrs unpacks the packed peer lists into addresses. Entries that do
// not unpack are skipped; peer-supplied lists routinely carry garbage
// and one bad entry must not discard the rest.
func (p *PexResult) Addrs() []address.Addr {
	var out []address.Addr
	for _, raw := range p.Peers {
		if a, err := address.Unpack(address.IPv4, raw); err == nil {
			out = append(out, a)
		}
	}
	for _, raw := range p.PeersOnion {
		if a, err := address.Unpack(address.OnionV2, raw); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// Update carries the parameters of the "update" command, notifying the
// peer that a site file changed.
type Update struct {
	Site      string
	InnerPath string
	Body      []byte
}

// Params implements part of the template conversion interface.
func (u *Update) Params() msgval.Value {
	return msgval.MapValue(msgval.NewMap().
		Set("site", msgval.String(u.Site)).
		Set("inner_path", msgval.String(u.InnerPath)).
		Set("body", msgval.Binary(u.Body)))
}

// FromParams implements part of the template conversion interface.
func (u *Update) FromParams(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("update params", v)
	}
	var err error
	if u.Site, err = getString(m, "site"); err != nil {
		return err
	}
	if u.InnerPath, err = getString(m, "inner_path"); err != nil {
		return err
	}
	u.Body, err = getBinary(m, "body")
	return err
}

// OKResult is the body of responses that acknowledge a command with a
// bare ok marker.
type OKResult struct {
	OK string
}

// Body implements part of the template conversion interface.
func (o *OKResult) Body() *msgval.Map {
	return msgval.NewMap().Set("ok", msgval.String(o.OK))
}

// FromBody implements part of the template conversion interface.
func (o *OKResult) FromBody(m *msgval.Map) error {
	var err error
	o.OK, err = getString(m, "ok")
	return err
}

// ListModified carries the parameters of the "listModified" command,
// asking for content files modified since a unix timestamp.
type ListModified struct {
	Site  string
	Since int64
}

// Params implements part of the template conversion interface.
func (l *ListModified) Params() msgval.Value {
	return msgval.MapValue(msgval.NewMap().
		Set("site", msgval.String(l.Site)).
		Set("since", msgval.Int(l.Since)))
}

// FromParams implements part of the template conversion interface.
func (l *ListModified) FromParams(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("listModified params", v)
	}
	var err error
	if l.Site, err = getString(m, "site"); err != nil {
		return err
	}
	l.Since, err = getInt(m, "since")
	return err
}

// ListModifiedResult is the body of a "listModified" response: content
// file paths mapped to their modification times.
type ListModifiedResult struct {
	ModifiedFiles map[string]int64
}

// Body implements part of the template conversion interface.
func (l *ListModifiedResult) Body() *msgval.Map {
	files := msgval.NewMap()
	for path, mtime := range l.ModifiedFiles {
		files.Set(path, msgval.Int(mtime))
	}
	return msgval.NewMap().Set("modified_files", msgval.MapValue(files))
}

// FromBody implements part of the template conversion interface.
func (l *ListModifiedResult) FromBody(m *msgval.Map) error {
	v, ok := m.Get("modified_files")
	if !ok || v.IsNil() {
		l.ModifiedFiles = nil
		return nil
	}
	files, ok := v.AsMap()
	if !ok {
		return typeError("modified_files", v)
	}
	l.ModifiedFiles = make(map[string]int64, files.Len())
	for i := range files.Len() {
		path, mv := files.At(i)
		mtime, ok := mv.AsInt()
		if !ok {
			return typeError("modified_files["+path+"]", mv)
		}
		l.ModifiedFiles[path] = mtime
	}
	return nil
}

// GetHashfield carries the parameters of the "getHashfield" command.
type GetHashfield struct {
	Site string
}

// Params implements part of the template conversion interface.
func (g *GetHashfield) Params() msgval.Value {
	return msgval.MapValue(msgval.NewMap().Set("site", msgval.String(g.Site)))
}

// FromParams implements part of the template conversion interface.
func (g *GetHashfield) FromParams(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("getHashfield params", v)
	}
	var err error
	g.Site, err = getString(m, "site")
	return err
}

// HashfieldResult is the body of a "getHashfield" response.
type HashfieldResult struct {
	HashfieldRaw []byte
}

// Body implements part of the template conversion interface.
func (h *HashfieldResult) Body() *msgval.Map {
	return msgval.NewMap().Set("hashfield_raw", msgval.Binary(h.HashfieldRaw))
}

// FromBody implements part of the template conversion interface.
func (h *HashfieldResult) FromBody(m *msgval.Map) error {
	var err error
	h.HashfieldRaw, err = getBinary(m, "hashfield_raw")
	return err
}

// SetHashfield carries the parameters of the "setHashfield" command,
// publishing the sender's optional-file hashfield for a site.
type SetHashfield struct {
	Site         string
	HashfieldRaw []byte
}

// Params implements part of the template conversion interface.
func (s *SetHashfield) Params() msgval.Value {
	return msgval.MapValue(msgval.NewMap().
		Set("site", msgval.String(s.Site)).
		Set("hashfield_raw", msgval.Binary(s.HashfieldRaw)))
}

// FromParams implements part of the template conversion interface.
func (s *SetHashfield) FromParams(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("setHashfield params", v)
	}
	var err error
	if s.Site, err = getString(m, "site"); err != nil {
		return err
	}
	s.HashfieldRaw, err = getBinary(m, "hashfield_raw")
	return err
}

// SetHashfieldResult is the body of a "setHashfield" response.
type SetHashfieldResult struct {
	OK bool
}

// Body implements part of the template conversion interface.
func (s *SetHashfieldResult) Body() *msgval.Map {
	return msgval.NewMap().Set("ok", msgval.Bool(s.OK))
}

// FromBody implements part of the template conversion interface.
func (s *SetHashfieldResult) FromBody(m *msgval.Map) error {
	var err error
	s.OK, err = getBool(m, "ok")
	return err
}

// FindHashIDs carries the parameters of the "findHashIds" command,
// asking which peers hold the given optional-file hash ids.
type FindHashIDs struct {
	Site    string
	HashIDs []int64
}

// Params implements part of the template conversion interface.
func (f *FindHashIDs) Params() msgval.Value {
	return msgval.MapValue(msgval.NewMap().
		Set("site", msgval.String(f.Site)).
		Set("hash_ids", intArray(f.HashIDs)))
}

// FromParams implements part of the template conversion interface.
func (f *FindHashIDs) FromParams(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("findHashIds params", v)
	}
	var err error
	if f.Site, err = getString(m, "site"); err != nil {
		return err
	}
	f.HashIDs, err = getInts(m, "hash_ids")
	return err
}

// FindHashIDsResult is the body of a "findHashIds" response: packed
// peer addresses grouped by hash id. Hash ids travel as decimal map
// keys.
type FindHashIDsResult struct {
	Peers      map[int64][][]byte
	PeersOnion map[int64][][]byte
}

// Body implements part of the template conversion interface.
func (f *FindHashIDsResult) Body() *msgval.Map {
	return msgval.NewMap().
		Set("peers", peersByHashID(f.Peers)).
		Set("peers_onion", peersByHashID(f.PeersOnion))
}

// FromBody implements part of the template conversion interface.
func (f *FindHashIDsResult) FromBody(m *msgval.Map) error {
	var err error
	if f.Peers, err = getPeersByHashID(m, "peers"); err != nil {
		return err
	}
	f.PeersOnion, err = getPeersByHashID(m, "peers_onion")
	return err
}

func peersByHashID(peers map[int64][][]byte) msgval.Value {
	ids := make([]int64, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	m := msgval.NewMap()
	for _, id := range ids {
		m.Set(strconv.FormatInt(id, 10), binaryArray(peers[id]))
	}
	return msgval.MapValue(m)
}

func getPeersByHashID(m *msgval.Map, key string) (map[int64][][]byte, error) {
	v, ok := m.Get(key)
	if !ok || v.IsNil() {
		return nil, nil
	}
	byID, ok := v.AsMap()
	if !ok {
		return nil, typeError(key, v)
	}
	out := make(map[int64][][]byte, byID.Len())
	for i := range byID.Len() {
		name, lv := byID.At(i)
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %q: invalid hash id %q", key, name)
		}
		arr, ok := lv.AsArray()
		if !ok {
			return nil, fmt.Errorf("field %q[%s] is %v, not array", key, name, lv.Kind())
		}
		list := make([][]byte, len(arr))
		for j, elt := range arr {
			bs, ok := elt.AsBinary()
			if !ok {
				return nil, fmt.Errorf("field %q[%s][%d] is %v, not binary", key, name, j, elt.Kind())
			}
			list[j] = bs
		}
		out[id] = list
	}
	return out, nil
}

// CheckPort carries the parameters of the "checkport" command, asking
// the peer to probe whether a port on the caller is reachable.
type CheckPort struct {
	Port int64
}

// Params implements part of the template conversion interface.
func (c *CheckPort) Params() msgval.Value {
	return msgval.MapValue(msgval.NewMap().Set("port", msgval.Int(c.Port)))
}

// FromParams implements part of the template conversion interface.
func (c *CheckPort) FromParams(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("checkport params", v)
	}
	var err error
	c.Port, err = getInt(m, "port")
	return err
}

// CheckPortResult is the body of a "checkport" response.
type CheckPortResult struct {
	Status     string // "open" or "closed"
	IPExternal string
}

// Body implements part of the template conversion interface.
func (c *CheckPortResult) Body() *msgval.Map {
	return msgval.NewMap().
		Set("status", msgval.String(c.Status)).
		Set("ip_external", msgval.String(c.IPExternal))
}

// FromBody implements part of the template conversion interface.
func (c *CheckPortResult) FromBody(m *msgval.Map) error {
	var err error
	if c.Status, err = getString(m, "status"); err != nil {
		return err
	}
	c.IPExternal, err = getString(m, "ip_external")
	return err
}

// Announce carries the parameters of a tracker "announce": the site
// hashes being announced and the address families the sender wants back.
type Announce struct {
	Port          int64
	Add           []string
	NeedTypes     []string
	NeedNum       int64
	Hashes        [][]byte
	Onions        []string
	OnionSigns    [][]byte
	OnionSignThis string
	Delete        bool
}

// Params implements part of the template conversion interface.
func (a *Announce) Params() msgval.Value {
	m := msgval.NewMap().Set("port", msgval.Int(a.Port))
	if len(a.Add) != 0 {
		m.Set("add", stringArray(a.Add))
	}
	if len(a.NeedTypes) != 0 {
		m.Set("need_types", stringArray(a.NeedTypes))
	}
	if a.NeedNum != 0 {
		m.Set("need_num", msgval.Int(a.NeedNum))
	}
	if len(a.Hashes) != 0 {
		m.Set("hashes", binaryArray(a.Hashes))
	}
	if len(a.Onions) != 0 {
		m.Set("onions", stringArray(a.Onions))
	}
	if len(a.OnionSigns) != 0 {
		m.Set("onion_signs", binaryArray(a.OnionSigns))
	}
	if a.OnionSignThis != "" {
		m.Set("onion_sign_this", msgval.String(a.OnionSignThis))
	}
	if a.Delete {
		m.Set("delete", msgval.Bool(true))
	}
	return msgval.MapValue(m)
}

// FromParams implements part of the template conversion interface.
func (a *Announce) FromParams(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("announce params", v)
	}
	var err error
	if a.Port, err = getInt(m, "port"); err != nil {
		return err
	}
	if a.Add, err = getStrings(m, "add"); err != nil {
		return err
	}
	if a.NeedTypes, err = getStrings(m, "need_types"); err != nil {
		return err
	}
	if a.NeedNum, err = getInt(m, "need_num"); err != nil {
		return err
	}
	if a.Hashes, err = getBinaries(m, "hashes"); err != nil {
		return err
	}
	if a.Onions, err = getStrings(m, "onions"); err != nil {
		return err
	}
	if a.OnionSigns, err = getBinaries(m, "onion_signs"); err != nil {
		return err
	}
	if a.OnionSignThis, err = getString(m, "onion_sign_this"); err != nil {
		return err
	}
	a.Delete, err = getBool(m, "delete")
	return err
}

// AnnouncePeers is one entry of an announce response: packed peer
// addresses grouped by family, keyed the way trackers name them.
type AnnouncePeers struct {
	IPv4    [][]byte
	IPv6    [][]byte
	OnionV2 [][]byte
	OnionV3 [][]byte
	I2PB32  [][]byte
	Loki    [][]byte
}

// peerFields maps announce field names to address families, in wire
// order.
var peerFields = []struct {
	key    string
	family address.Family
}{
	{"ipv4", address.IPv4},
	{"ipv6", address.IPv6},
	{"onion", address.OnionV2},
	{"onion_v3", address.OnionV3},
	{"i2p_b32", address.I2P},
	{"loki", address.Lokinet},
}

func (p *AnnouncePeers) lists() []*[][]byte {
	return []*[][]byte{&p.IPv4, &p.IPv6, &p.OnionV2, &p.OnionV3, &p.I2PB32, &p.Loki}
}

// Value converts p to its wire map. Empty family lists are omitted.
func (p *AnnouncePeers) Value() msgval.Value {
	m := msgval.NewMap()
	for i, list := range p.lists() {
		if len(*list) != 0 {
			m.Set(peerFields[i].key, binaryArray(*list))
		}
	}
	return msgval.MapValue(m)
}

// FromValue fills p from its wire map.
func (p *AnnouncePeers) FromValue(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("announce peers", v)
	}
	for i, list := range p.lists() {
		bs, err := getBinaries(m, peerFields[i].key)
		if err != nil {
			return err
		}
		*list = bs
	}
	return nil
}

// Addrs unpacks every family list into addresses, skipping entries that
// do not unpack.
func (p *AnnouncePeers) Addrs() []address.Addr {
	var out []address.Addr
	for i, list := range p.lists() {
		for _, raw := range *list {
			if a, err := address.Unpack(peerFields[i].family, raw); err == nil {
				out = append(out, a)
			}
		}
	}
	return out
}

// AnnounceResult is the body of an announce response.
type AnnounceResult struct {
	Peers []AnnouncePeers
}

// Body implements part of the template conversion interface.
func (a *AnnounceResult) Body() *msgval.Map {
	elts := make([]msgval.Value, len(a.Peers))
	for i := range a.Peers {
		elts[i] = a.Peers[i].Value()
	}
	return msgval.NewMap().Set("peers", msgval.Array(elts...))
}

// FromBody implements part of the template conversion interface.
func (a *AnnounceResult) FromBody(m *msgval.Map) error {
	v, ok := m.Get("peers")
	if !ok || v.IsNil() {
		a.Peers = nil
		return nil
	}
	arr, ok := v.AsArray()
	if !ok {
		return typeError("peers", v)
	}
	a.Peers = make([]AnnouncePeers, len(arr))
	for i, elt := range arr {
		if err := a.Peers[i].FromValue(elt); err != nil {
			return err
		}
	}
	return nil
}
