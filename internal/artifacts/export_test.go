package artifacts

// SetAfterLoad installs a hook that runs between a cache-miss read and the
// cache fill.
func SetAfterLoad(r *Registry, fn func(id string)) { r.afterLoad = fn }
