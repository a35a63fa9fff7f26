// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/toolmesh/internal/config"
)

// adminTokenTTL bounds tokens minted for a single CLI invocation.
const adminTokenTTL = 5 * time.Minute

// MintAdminToken signs a short-lived HS256 token for the proxy's mutating
// admin endpoints, matching the issuer and audience the proxy validates.
func MintAdminToken(authCfg config.AuthConfig) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "toolmesh-cli",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenTTL)),
	}
	if authCfg.Issuer != "" {
		claims.Issuer = authCfg.Issuer
	}
	if authCfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{authCfg.Audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(authCfg.JWTSecret))
}
