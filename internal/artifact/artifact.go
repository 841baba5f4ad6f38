// Package artifact implements the Artifact Resolver (C9): logical template
// references and per-node `{node.*}` placeholders resolved to concrete
// blob-store URLs, at decision time, never cached across state changes
// (spec.md §4.9).
package artifact

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pureboot/pureboot/internal/blobstore"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/engineerr"
)

var placeholderRE = regexp.MustCompile(`\{node\.([a-zA-Z_]+)\}`)

// Resolver expands `{node.*}` placeholders in a template string and
// resolves logical template references to concrete URLs.
type Resolver struct {
	Blobs blobstore.BlobStore
}

// ExpandPlaceholders substitutes every `{node.<field>}` occurrence in tmpl
// with the corresponding field on n. An unresolvable field name (not one of
// the closed set below) fails with engineerr.ErrTemplateError; a field that
// IS in the set but empty on the node expands to the empty string, per
// spec.md's distinction between "unknown placeholder" and "blank value".
func ExpandPlaceholders(tmpl string, n *data.Node) (string, error) {
	var outerErr error
	out := placeholderRE.ReplaceAllStringFunc(tmpl, func(match string) string {
		field := placeholderRE.FindStringSubmatch(match)[1]
		v, ok := nodeField(n, field)
		if !ok {
			outerErr = fmt.Errorf("%w: unknown placeholder {node.%s}", engineerr.ErrTemplateError, field)
			return match
		}
		return v
	})
	if outerErr != nil {
		return "", outerErr
	}
	return out, nil
}

func nodeField(n *data.Node, field string) (string, bool) {
	switch field {
	case "id":
		return n.ID, true
	case "mac":
		return n.MAC, true
	case "hostname":
		return n.Hostname, true
	case "ip":
		return n.IP, true
	case "vendor":
		return n.Vendor, true
	case "model":
		return n.Model, true
	case "serial":
		return n.Serial, true
	case "system_uuid":
		return n.SystemUUID, true
	case "arch":
		return string(n.Arch), true
	case "boot":
		return string(n.Boot), true
	case "state":
		return string(n.State), true
	case "device_group":
		return n.DeviceGroup, true
	case "home_site_id":
		return n.HomeSiteID, true
	default:
		return "", false
	}
}

// ResolveURL expands placeholders in a logical template reference, then
// resolves the expanded reference to a concrete blob-store URL.
func (r *Resolver) ResolveURL(ctx context.Context, templateRef string, n *data.Node) (string, error) {
	tracer := otel.Tracer("artifact")
	ctx, span := tracer.Start(ctx, "ResolveURL", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	expanded, err := ExpandPlaceholders(templateRef, n)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	url, err := r.Blobs.Resolve(ctx, expanded)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			err = fmt.Errorf("%w: %v", engineerr.ErrTemplateError, err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
		err = fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetStatus(codes.Ok, url)
	return url, nil
}
