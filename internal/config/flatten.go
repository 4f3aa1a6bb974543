package config

import "sort"

// flattenResources walks a nested farm_type -> device_type -> [resource, ...]
// document (already unmarshaled from YAML into interface{} values) and
// returns the flat resource set plus a resource -> farm_type index.
//
// fc_server/core/config.py does the equivalent with
// FlatterDict(raw).values(), collecting every leaf string reachable
// from the tree; this recursive walk does the same thing directly.
func flattenResources(raw map[string]interface{}) (resources []string, farmTypes map[string]string) {
	farmTypes = make(map[string]string)
	seen := make(map[string]bool)

	for farmType, subtree := range raw {
		collectLeaves(subtree, func(resource string) {
			if !seen[resource] {
				seen[resource] = true
				resources = append(resources, resource)
			}
			farmTypes[resource] = farmType
		})
	}

	sort.Strings(resources)
	return resources, farmTypes
}

// collectLeaves recursively visits a YAML-decoded value, calling visit
// for every string it finds at a leaf (a bare string, or an element of
// a list of strings).
func collectLeaves(node interface{}, visit func(string)) {
	switch v := node.(type) {
	case string:
		visit(v)
	case []interface{}:
		for _, item := range v {
			collectLeaves(item, visit)
		}
	case []string:
		for _, item := range v {
			visit(item)
		}
	case map[string]interface{}:
		for _, child := range v {
			collectLeaves(child, visit)
		}
	}
}
