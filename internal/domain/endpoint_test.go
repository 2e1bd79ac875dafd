package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[EndpointRef]*Endpoint

func (m mapResolver) FindEndpoint(_ context.Context, kind EndpointKind, id string) (*Endpoint, error) {
	if e, ok := m[EndpointRef{Kind: kind, ID: id}]; ok {
		return e, nil
	}
	return nil, ErrEndpointNotFound
}

func TestEncodeDecodeEndpoint(t *testing.T) {
	http := &Endpoint{ID: "0b0f7e4c-4c8e-4b8a-9a57-1c5b0c1a3f10", Kind: EndpointHTTP, Name: "hook", URL: "https://example.com/in"}
	resolver := mapResolver{http.Ref(): http}
	ctx := context.Background()

	t.Run("encode", func(t *testing.T) {
		assert.Equal(t, "HTTPEndpoint#0b0f7e4c-4c8e-4b8a-9a57-1c5b0c1a3f10", EncodeEndpoint(http))
		assert.Equal(t, "", EncodeEndpoint(nil))
	})

	t.Run("decode round trip", func(t *testing.T) {
		got, err := DecodeEndpoint(ctx, resolver, EncodeEndpoint(http))
		require.NoError(t, err)
		assert.Same(t, http, got)
	})

	t.Run("blank descriptor", func(t *testing.T) {
		got, err := DecodeEndpoint(ctx, resolver, "   ")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodeEndpoint(ctx, resolver, "FTPEndpoint#abc")
		assert.True(t, errors.Is(err, ErrInvalidEndpointType))
	})

	t.Run("missing uuid resolves to nothing", func(t *testing.T) {
		got, err := DecodeEndpoint(ctx, resolver, "SMTPEndpoint#does-not-exist")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("splits on first hash", func(t *testing.T) {
		ref, err := ParseEndpointRef("AddressEndpoint#a#b")
		require.NoError(t, err)
		assert.Equal(t, EndpointAddress, ref.Kind)
		assert.Equal(t, "a#b", ref.ID)
	})
}

func TestEndpointDescription(t *testing.T) {
	assert.Equal(t, "relay (mx.example.com:2525)", (&Endpoint{Kind: EndpointSMTP, Name: "relay", Hostname: "mx.example.com", Port: 2525}).Description())
	assert.Equal(t, "hook (https://example.com/in)", (&Endpoint{Kind: EndpointHTTP, Name: "hook", URL: "https://example.com/in"}).Description())
	assert.Equal(t, "team@example.com", (&Endpoint{Kind: EndpointAddress, Address: "team@example.com"}).Description())
}

func TestRouteDescription(t *testing.T) {
	route := &Route{Name: "support", Token: "abcd1234", Domain: &Domain{Name: "example.com"}}
	assert.Equal(t, "support@example.com", route.Description())
	assert.Equal(t, "abcd1234@routes.example.net", route.ForwardAddress("routes.example.net"))

	returnPath := &Route{Name: ReturnPathRouteName}
	assert.Equal(t, "Return Path", returnPath.Description())
	assert.True(t, returnPath.IsReturnPath())
}

func TestValidRouteName(t *testing.T) {
	for _, name := range []string{"support", "a.b-c", "*", "__returnpath__"} {
		assert.True(t, ValidRouteName(name), name)
	}
	for _, name := range []string{"Support", "a_b", "*x", "user@x"} {
		assert.False(t, ValidRouteName(name), name)
	}
}

func TestTrackingDomainExclusions(t *testing.T) {
	td := &TrackingDomain{ExcludedClickDomains: "example.org\n  cdn.example.com \n\n"}
	assert.Equal(t, []string{"example.org", "cdn.example.com"}, td.ExcludedHosts())
	assert.True(t, td.IsExcluded("cdn.example.com"))
	assert.False(t, td.IsExcluded("example.com"))
}

func TestValidationError(t *testing.T) {
	verr := &ValidationError{}
	assert.NoError(t, verr.Err())

	verr.Add("name", "is invalid")
	verr.Add("", "endpoint is required")
	require.Error(t, verr.Err())
	assert.True(t, verr.Has("name"))
	assert.Equal(t, "validation failed: name is invalid; endpoint is required", verr.Error())
}
