package auth

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"baliseregistry/internal/domain"
)

// GetUserMethod is the full gRPC method name of the auth service lookup
const GetUserMethod = "/auth_v1.AuthV1/GetUser"

// Client resolves bearer tokens through the remote auth service
type Client struct {
	conn grpc.ClientConnInterface
	conf *Config
}

func NewClient(conn grpc.ClientConnInterface, conf *Config) *Client {
	return &Client{conn: conn, conf: conf}
}

// Verify forwards the Authorization header value to the auth service and
// maps the returned user to a Principal
func (c *Client) Verify(ctx context.Context, authToken string) (domain.Principal, error) {
	if authToken == "" {
		return domain.Principal{}, fmt.Errorf("%w: no authorization header", ErrUnauthenticated)
	}

	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout)
	defer cancel()

	md := metadata.New(map[string]string{
		"Authorization": authToken,
	})
	ctx = metadata.NewOutgoingContext(ctx, md)

	userInfo := &structpb.Struct{}
	err := c.conn.Invoke(ctx, GetUserMethod, &emptypb.Empty{}, userInfo)
	if err != nil {
		switch status.Code(err) {
		case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound:
			return domain.Principal{}, fmt.Errorf("%w: %s", ErrUnauthenticated, status.Convert(err).Message())
		}
		return domain.Principal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return c.principalFrom(userInfo)
}

// principalFrom reads {"user": {"id": ..., "roles": [...]}}. A flat object
// without the "user" wrapper is accepted as well.
func (c *Client) principalFrom(userInfo *structpb.Struct) (domain.Principal, error) {
	fields := userInfo.GetFields()
	if user := fields["user"].GetStructValue(); user != nil {
		fields = user.GetFields()
	}

	id := fields["id"].GetStringValue()
	if id == "" {
		return domain.Principal{}, fmt.Errorf("%w: auth response carries no user id", ErrUnauthenticated)
	}

	var roles []string
	for _, role := range fields["roles"].GetListValue().GetValues() {
		if name := role.GetStringValue(); name != "" {
			roles = append(roles, name)
		}
	}
	if role := fields["role"].GetStringValue(); role != "" {
		roles = append(roles, role)
	}

	return c.conf.Principal(id, roles), nil
}

// Principal derives the permission flags of userID from its role names
func (c *Config) Principal(userID string, roles []string) domain.Principal {
	p := domain.Principal{UserID: userID, Roles: roles}
	for _, role := range roles {
		switch role {
		case c.ReadRole:
			p.IsReadUser = true
		case c.WriteRole:
			p.IsWriteUser = true
		case c.AdminRole:
			p.IsAdmin = true
		}
	}
	return p
}
