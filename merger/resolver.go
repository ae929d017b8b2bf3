package merger

import "fmt"

// StaticResolver resolves connection/project pairs against a fixed map
// loaded from the executor's config, keyed as "connection/project".
type StaticResolver map[string]string

func (r StaticResolver) Resolve(connection, project string) (string, error) {
	url, ok := r[connection+"/"+project]
	if !ok {
		return "", fmt.Errorf("merger: no remote configured for %s/%s", connection, project)
	}
	return url, nil
}
