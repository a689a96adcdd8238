package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskplane/taskplane/internal/tenant"
)

// TenantHeader carries the caller's tenant id. Requests without it are
// rejected; internal control-plane paths establish the admin scope
// explicitly instead of going through this middleware.
const TenantHeader = "X-Tenant-ID"

// TenantScope resolves the tenant scope from the request header and attaches
// it to the request context. Every downstream store call inherits it.
func TenantScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(TenantHeader)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + TenantHeader + " header"})
			return
		}
		ctx := tenant.WithScope(c.Request.Context(), tenant.For(tenantID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
