package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/automata/internal/auth"
	"github.com/roach88/automata/internal/config"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	TTL time.Duration
}

type tokenView struct {
	Token     string    `json:"token"`
	TenantID  string    `json:"tenantId"`
	SubjectID string    `json:"subjectId"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (v tokenView) String() string { return v.Token }

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed caller token",
		Long: `Issue an HS256 token for the caller given by --tenant, --subject and
--scope, signed with auth.jwt_secret. Pass it to other commands with
--token.

Example:
  automata token --tenant t1 --subject ops --scope realm:r1:readwrite`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")

	return cmd
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	v, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		_ = f.Error(ErrCodeConfig, "auth.jwt_secret is not set", nil)
		return WrapExitError(ExitCommandError, "cannot sign tokens", err)
	}
	if opts.Tenant == "" {
		_ = f.Error(ErrCodeInput, "--tenant is required", nil)
		return NewExitError(ExitCommandError, "--tenant is required")
	}
	scopes, err := auth.ParseScopes(opts.Scopes)
	if err != nil {
		_ = f.Error(ErrCodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid scope", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	p := auth.Principal{TenantID: opts.Tenant, SubjectID: opts.Subject, Scopes: scopes}
	token, err := v.Issue(p, ttl)
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to sign token", err)
	}
	f.VerboseLog("token for %s/%s expires in %s", p.TenantID, p.SubjectID, ttl)
	return f.Success(tokenView{
		Token:     token,
		TenantID:  p.TenantID,
		SubjectID: p.SubjectID,
		Scopes:    p.ScopeStrings(),
		ExpiresAt: time.Now().Add(ttl).UTC().Truncate(time.Second),
	})
}
