// Package ldapdir implements directory.Directory for Active Directory over
// LDAP.
//
// Enumeration runs a paged search in a background goroutine feeding a
// bounded channel, so the directory keeps computing results while the
// caller fetches source data. Script execution is delegated to a
// ScriptRunner (the Windows-side agent).
package ldapdir

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"github.com/xtxerr/adsync/config"
	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/logging"
)

const (
	attrUserAccountControl = "userAccountControl"
	attrObjectGUID         = "objectGUID"

	uacAccountDisable = 0x2
)

// ScriptRunner executes scripts on a host next to the directory.
type ScriptRunner interface {
	Run(ctx context.Context, path string, params map[string]any) error
}

// Config holds the connection settings.
type Config struct {
	URL                string
	BindDN             string
	Password           string
	InsecureSkipVerify bool
	Timeout            time.Duration
	PageSize           uint32
	Buffer             int
}

// Dir is an LDAP backed directory.
type Dir struct {
	conn   *ldap.Conn
	cfg    Config
	runner ScriptRunner
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects and binds.
func Dial(cfg Config, runner ScriptRunner) (*Dir, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultDirectoryTimeout
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = config.DefaultPageSize
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = config.DefaultEnumerationBuffer
	}

	opts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: cfg.Timeout}),
	}
	if strings.HasPrefix(strings.ToLower(cfg.URL), "ldaps://") {
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}))
	}

	conn, err := ldap.DialURL(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", cfg.URL, err, errors.ErrConnectionFailed)
	}
	conn.SetTimeout(cfg.Timeout)

	if err := conn.Bind(cfg.BindDN, cfg.Password); err != nil {
		conn.Close()
		return nil, mapError("bind", cfg.BindDN, err)
	}

	return &Dir{
		conn:   conn,
		cfg:    cfg,
		runner: runner,
		log:    logging.Component("ldapdir"),
	}, nil
}

// ============================================================================
// Enumeration
// ============================================================================

type result struct {
	obj *directory.Object
	err error
}

type enumeration struct {
	ch     chan result
	cancel context.CancelFunc
}

func (e *enumeration) Next(ctx context.Context) (*directory.Object, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-e.ch:
		if !ok {
			return nil, io.EOF
		}
		return r.obj, r.err
	}
}

func (e *enumeration) Close() error {
	e.cancel()
	// drain so the producer exits
	for range e.ch {
	}
	return nil
}

func (d *Dir) searchRequest(q directory.Query, filter string) *ldap.SearchRequest {
	attrs := make([]string, 0, len(q.Attributes)+3)
	for _, a := range q.Attributes {
		if !strings.EqualFold(a, directory.AttrEnabled) {
			attrs = append(attrs, a)
		}
	}
	attrs = append(attrs, q.NameAttribute, attrUserAccountControl, attrObjectGUID)
	return ldap.NewSearchRequest(
		q.Container,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter,
		attrs,
		nil,
	)
}

// BeginEnumerate issues the first page synchronously so that an unreachable
// or refusing directory fails here. Later pages are fetched in the
// background.
func (d *Dir) BeginEnumerate(ctx context.Context, q directory.Query) (directory.Enumeration, error) {
	filter := fmt.Sprintf("(objectClass=%s)", ldap.EscapeFilter(q.ObjectClass))
	req := d.searchRequest(q, filter)
	paging := ldap.NewControlPaging(d.cfg.PageSize)
	req.Controls = []ldap.Control{paging}

	res, err := d.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrEnumeration, mapError("search", q.Container, err))
	}

	d.log.Debug("enumeration started", "container", q.Container, "class", q.ObjectClass, "first_page", len(res.Entries))

	ctx, cancel := context.WithCancel(ctx)
	e := &enumeration{ch: make(chan result, d.cfg.Buffer), cancel: cancel}

	go func() {
		defer close(e.ch)
		for {
			for _, entry := range res.Entries {
				select {
				case e.ch <- result{obj: d.toObject(entry, q)}:
				case <-ctx.Done():
					return
				}
			}

			ctrl := ldap.FindControl(res.Controls, ldap.ControlTypePaging)
			pc, ok := ctrl.(*ldap.ControlPaging)
			if !ok || len(pc.Cookie) == 0 {
				return
			}
			paging.SetCookie(pc.Cookie)

			if res, err = d.conn.Search(req); err != nil {
				select {
				case e.ch <- result{err: mapError("search", q.Container, err)}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return e, nil
}

func (d *Dir) toObject(entry *ldap.Entry, q directory.Query) *directory.Object {
	o := &directory.Object{
		DN:         entry.DN,
		Name:       entry.GetEqualFoldAttributeValue(q.NameAttribute),
		Attributes: make(map[string][]string, len(entry.Attributes)),
	}

	for _, a := range entry.Attributes {
		switch {
		case strings.EqualFold(a.Name, directory.AttrObjectSID):
			if len(a.ByteValues) > 0 {
				o.Attributes[directory.AttrObjectSID] = []string{DecodeSID(a.ByteValues[0])}
			}
		case strings.EqualFold(a.Name, attrObjectGUID):
			if len(a.ByteValues) > 0 {
				o.GUID = DecodeGUID(a.ByteValues[0])
			}
		case strings.EqualFold(a.Name, attrUserAccountControl):
			if uac, err := strconv.ParseInt(first(a.Values), 10, 64); err == nil {
				o.Attributes[directory.AttrEnabled] = []string{strings.ToUpper(strconv.FormatBool(uac&uacAccountDisable == 0))}
			}
			o.Attributes[a.Name] = a.Values
		default:
			o.Attributes[a.Name] = a.Values
		}
	}
	if o.Name == "" {
		o.Name = directory.RDNValue(entry.DN)
	}
	return o
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// ============================================================================
// Object operations
// ============================================================================

func (d *Dir) Get(ctx context.Context, q directory.Query, name string) (*directory.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter := fmt.Sprintf("(&(objectClass=%s)(%s=%s))",
		ldap.EscapeFilter(q.ObjectClass), q.NameAttribute, ldap.EscapeFilter(name))
	res, err := d.conn.Search(d.searchRequest(q, filter))
	if err != nil {
		return nil, mapError("get", name, err)
	}
	if len(res.Entries) == 0 {
		return nil, errors.NewNotFound(q.ObjectClass, name)
	}
	return d.toObject(res.Entries[0], q), nil
}

func (d *Dir) Create(ctx context.Context, obj directory.NewObject) (*directory.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dn := obj.DN()
	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", []string{obj.ObjectClass})
	attrs := make(map[string][]string, len(obj.Attributes))
	for k, v := range obj.Attributes {
		if len(v) == 0 || strings.EqualFold(k, directory.AttrEnabled) {
			continue
		}
		req.Attribute(k, v)
		attrs[k] = v
	}

	if err := d.conn.Add(req); err != nil {
		return nil, mapError("create", dn, err)
	}
	return &directory.Object{Name: obj.Name, DN: dn, Attributes: attrs}, nil
}

func (d *Dir) Modify(ctx context.Context, dn string, changes []directory.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := ldap.NewModifyRequest(dn, nil)
	for _, c := range changes {
		switch c.Op {
		case directory.OpReplace:
			req.Replace(c.Attr, c.Values)
		case directory.OpAdd:
			req.Add(c.Attr, c.Values)
		case directory.OpRemove:
			req.Delete(c.Attr, c.Values)
		}
	}
	if err := d.conn.Modify(req); err != nil {
		return mapError("modify", dn, err)
	}
	return nil
}

func (d *Dir) Move(ctx context.Context, dn, container string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rdn := directory.RDN(dn)
	if err := d.conn.ModifyDN(ldap.NewModifyDNRequest(dn, rdn, true, container)); err != nil {
		err = mapError("move", dn, err)
		if errors.IsNotFound(err) {
			err = errors.Wrapf(errors.ErrContainerMissing, "move %s to %s", dn, container)
		}
		return "", err
	}
	return rdn + "," + container, nil
}

func (d *Dir) accountControl(dn string) (int64, error) {
	req := ldap.NewSearchRequest(dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=*)", []string{attrUserAccountControl}, nil)
	res, err := d.conn.Search(req)
	if err != nil {
		return 0, mapError("read", dn, err)
	}
	if len(res.Entries) == 0 {
		return 0, errors.NewNotFound("object", dn)
	}
	v := res.Entries[0].GetAttributeValue(attrUserAccountControl)
	uac, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s of %s: %q: %w", attrUserAccountControl, dn, v, errors.ErrUnsupported)
	}
	return uac, nil
}

func (d *Dir) setDisabled(ctx context.Context, dn string, disabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uac, err := d.accountControl(dn)
	if err != nil {
		return err
	}
	next := uac &^ uacAccountDisable
	if disabled {
		next = uac | uacAccountDisable
	}
	if next == uac {
		return nil
	}
	req := ldap.NewModifyRequest(dn, nil)
	req.Replace(attrUserAccountControl, []string{strconv.FormatInt(next, 10)})
	if err := d.conn.Modify(req); err != nil {
		return mapError("modify", dn, err)
	}
	return nil
}

func (d *Dir) Disable(ctx context.Context, dn string) error {
	return d.setDisabled(ctx, dn, true)
}

func (d *Dir) Enable(ctx context.Context, dn string) error {
	return d.setDisabled(ctx, dn, false)
}

func (d *Dir) Delete(ctx context.Context, dn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.conn.Del(ldap.NewDelRequest(dn, nil)); err != nil {
		return mapError("delete", dn, err)
	}
	return nil
}

// SetPassword writes unicodePwd, which AD expects as the quoted password in
// UTF-16LE. The connection must be encrypted.
func (d *Dir) SetPassword(ctx context.Context, dn, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := EncodePassword(password)
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(dn, nil)
	req.Replace("unicodePwd", []string{encoded})
	if err := d.conn.Modify(req); err != nil {
		err = mapError("set password", dn, err)
		var le *ldap.Error
		if errors.As(err, &le) && (le.ResultCode == ldap.LDAPResultConstraintViolation ||
			le.ResultCode == ldap.LDAPResultUnwillingToPerform) {
			return fmt.Errorf("set password %s: %w", dn, errors.ErrPasswordRejected)
		}
		return err
	}
	return nil
}

func (d *Dir) CreateContainer(ctx context.Context, dn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", []string{"organizationalUnit"})
	if err := d.conn.Add(req); err != nil {
		err = mapError("create container", dn, err)
		if errors.IsNotFound(err) {
			err = errors.Wrapf(errors.ErrContainerMissing, "create container %s", dn)
		}
		return err
	}
	return nil
}

func (d *Dir) ExecuteScript(ctx context.Context, path string, params map[string]any) error {
	if d.runner == nil {
		return fmt.Errorf("execute %s: no agent configured: %w", path, errors.ErrUnsupported)
	}
	return d.runner.Run(ctx, path, params)
}

func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.conn.Close()
}

// ============================================================================
// Encoding helpers
// ============================================================================

// mapError converts LDAP result codes into sentinel errors. The *ldap.Error
// stays in the chain.
func mapError(op, dn string, err error) error {
	var le *ldap.Error
	if !errors.As(err, &le) {
		return fmt.Errorf("%s %s: %w: %w", op, dn, errors.ErrTransport, err)
	}
	switch le.ResultCode {
	case ldap.LDAPResultEntryAlreadyExists:
		return fmt.Errorf("%s %s: %w: %w", op, dn, errors.ErrAlreadyExists, err)
	case ldap.LDAPResultNoSuchObject:
		if op == "create" {
			return fmt.Errorf("%s %s: %w: %w", op, dn, errors.ErrContainerMissing, err)
		}
		return fmt.Errorf("%s %s: %w: %w", op, dn, errors.ErrNotFound, err)
	case ldap.LDAPResultInsufficientAccessRights:
		return fmt.Errorf("%s %s: %w: %w", op, dn, errors.ErrPermissionDenied, err)
	case ldap.LDAPResultTimeLimitExceeded:
		return fmt.Errorf("%s %s: %w: %w", op, dn, errors.ErrTimeout, err)
	case ldap.ErrorNetwork, ldap.LDAPResultBusy, ldap.LDAPResultUnavailable:
		return fmt.Errorf("%s %s: %w: %w", op, dn, errors.ErrTransport, err)
	default:
		return fmt.Errorf("%s %s: %w", op, dn, err)
	}
}

// EncodePassword returns the unicodePwd value for password.
func EncodePassword(password string) (string, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	s, err := enc.String(`"` + password + `"`)
	if err != nil {
		return "", fmt.Errorf("encode password: %w", err)
	}
	return s, nil
}

// DecodeSID renders a binary security identifier as S-1-....
func DecodeSID(b []byte) string {
	if len(b) < 8 {
		return ""
	}
	revision := b[0]
	count := int(b[1])
	if len(b) < 8+4*count {
		return ""
	}

	var authority uint64
	for _, v := range b[2:8] {
		authority = authority<<8 | uint64(v)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "S-%d-%d", revision, authority)
	for i := 0; i < count; i++ {
		sub := binary.LittleEndian.Uint32(b[8+4*i:])
		fmt.Fprintf(&sb, "-%d", sub)
	}
	return sb.String()
}

// DecodeGUID renders an objectGUID. AD stores the first three fields
// little-endian.
func DecodeGUID(b []byte) string {
	if len(b) != 16 {
		return ""
	}
	var r [16]byte
	copy(r[:], b)
	r[0], r[1], r[2], r[3] = b[3], b[2], b[1], b[0]
	r[4], r[5] = b[5], b[4]
	r[6], r[7] = b[7], b[6]
	id, err := uuid.FromBytes(r[:])
	if err != nil {
		return ""
	}
	return id.String()
}

var _ directory.Directory = (*Dir)(nil)
