package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/meshvault/meshvault/internal/directory"
	"github.com/meshvault/meshvault/internal/dispatch"
	"github.com/meshvault/meshvault/internal/index"
	"github.com/meshvault/meshvault/internal/router"
	"github.com/meshvault/meshvault/internal/schema"
	"github.com/meshvault/meshvault/internal/volume"
	"github.com/meshvault/meshvault/pkg/errors"
	"github.com/meshvault/meshvault/pkg/types"
)

// registerDocumentCommands registers the generic create/find/get/update/
// delete/get-property/set-property commands every document class shares,
// mirroring active_document.volume.VolumeCommands's generic CRUD plus
// sugar_network.node.commands.NodeCommands's soft-delete and layer
// filtering overrides. Commands are registered with an empty Document so
// they apply to any directory opened in vol, the way VolumeCommands
// dispatches generically across document classes by name.
func registerDocumentCommands(registry *dispatch.Registry, vol *volume.Volume) error {
	commands := []*dispatch.Command{
		{
			Scope:    dispatch.ScopeDirectory,
			Method:   "POST",
			Callback: createCommand(vol),
		},
		{
			Scope:    dispatch.ScopeDirectory,
			Method:   "GET",
			Cmd:      "find",
			ArgCasts: map[string]dispatch.ArgCast{
				"offset": dispatch.ToInt,
				"limit":  dispatch.ToInt,
				"layer":  dispatch.ToList,
				"reply":  dispatch.ToList,
			},
			Pre:      []dispatch.PreHook{defaultLayerFilter},
			Callback: findCommand(vol),
		},
		{
			Scope:    dispatch.ScopeDocument,
			Method:   "GET",
			Post:     []dispatch.PostHook{rejectDeletedDocument},
			Callback: getCommand(vol),
		},
		{
			Scope:    dispatch.ScopeDocument,
			Method:   "PUT",
			Callback: updateCommand(vol),
		},
		{
			Scope:    dispatch.ScopeDocument,
			Method:   "DELETE",
			Callback: deleteCommand(vol),
		},
		{
			Scope:    dispatch.ScopeProperty,
			Method:   "GET",
			Callback: getPropertyCommand(vol),
		},
		{
			Scope:    dispatch.ScopeProperty,
			Method:   "PUT",
			Callback: setPropertyCommand(vol),
		},
	}
	for _, cmd := range commands {
		if err := registry.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func resolveDirectory(vol *volume.Volume, document string) (*directory.Directory, error) {
	dir := vol.Directory(document)
	if dir == nil {
		return nil, errors.New(errors.ErrCodeDocumentNotFound,
			fmt.Sprintf("unknown document class %q", document)).WithComponent("dispatch")
	}
	return dir, nil
}

// createCommand inserts a new document, mirroring VolumeCommands.create:
// the request body supplies the initial properties, and the requester's
// principal (stamped by internal/router's Authenticator) becomes the
// document's original author via Directory.Create.
func createCommand(vol *volume.Volume) dispatch.Callback {
	return func(req *types.Request, resp *types.Response) (interface{}, error) {
		dir, err := resolveDirectory(vol, req.Document)
		if err != nil {
			return nil, err
		}
		props := map[string]interface{}{}
		for k, v := range req.Payload.JSON {
			props[k] = v
		}
		if principal, ok := req.Args["principal"]; ok {
			props["principal"] = principal
		}
		guid, err := dir.Create(props)
		if err != nil {
			return nil, err
		}
		resp.ContentType = "application/json"
		return map[string]interface{}{"guid": guid}, nil
	}
}

// findCommand runs a query against the directory's index, mirroring
// VolumeCommands.find's {'total': ..., 'result': [...]} shape with each
// result projected down to the properties named by reply (defaulting to
// just guid, per request.setdefault('reply', ['guid'])).
func findCommand(vol *volume.Volume) dispatch.Callback {
	return func(req *types.Request, resp *types.Response) (interface{}, error) {
		dir, err := resolveDirectory(vol, req.Document)
		if err != nil {
			return nil, err
		}
		q := buildQuery(dir.Meta(), req.Args)
		docs, total, err := dir.Find(q)
		if err != nil {
			return nil, err
		}
		reply := replyProperties(req.Args["reply"])
		results := make([]interface{}, 0, len(docs))
		for _, doc := range docs {
			results = append(results, projectReply(doc.Properties, doc.GUID, reply))
		}
		resp.ContentType = "application/json"
		return map[string]interface{}{"total": total, "result": results}, nil
	}
}

// getCommand returns guid's full property set. rejectDeletedDocument runs
// as this command's post hook rather than inline here, mirroring
// _NodeCommands_get_post -- Directory.Get itself stays unaware of the
// deleted-layer convention, exactly as active_document.Directory.get
// does.
func getCommand(vol *volume.Volume) dispatch.Callback {
	return func(req *types.Request, resp *types.Response) (interface{}, error) {
		dir, err := resolveDirectory(vol, req.Document)
		if err != nil {
			return nil, err
		}
		props, err := dir.Get(req.GUID)
		if err != nil {
			return nil, err
		}
		resp.ContentType = "application/json"
		return props, nil
	}
}

// updateCommand merges the request body into guid's record.
func updateCommand(vol *volume.Volume) dispatch.Callback {
	return func(req *types.Request, resp *types.Response) (interface{}, error) {
		dir, err := resolveDirectory(vol, req.Document)
		if err != nil {
			return nil, err
		}
		if err := dir.Update(req.GUID, req.Payload.JSON); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// deleteCommand soft-deletes guid via Directory.Delete's layer update,
// mirroring NodeCommands.delete's `directory.update(guid, {'layer':
// ['deleted']})` override of the base VolumeCommands.delete.
func deleteCommand(vol *volume.Volume) dispatch.Callback {
	return func(req *types.Request, resp *types.Response) (interface{}, error) {
		dir, err := resolveDirectory(vol, req.Document)
		if err != nil {
			return nil, err
		}
		if err := dir.Delete(req.GUID); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// getPropertyCommand returns one property's value, mirroring
// VolumeCommands.get_prop's split between BLOB properties (streamed) and
// ordinary stored properties (returned as a bare scalar).
func getPropertyCommand(vol *volume.Volume) dispatch.Callback {
	return func(req *types.Request, resp *types.Response) (interface{}, error) {
		dir, err := resolveDirectory(vol, req.Document)
		if err != nil {
			return nil, err
		}
		desc := dir.Meta().Get(req.Prop)
		if desc == nil {
			return nil, errors.New(errors.ErrCodePropertyNotFound,
				fmt.Sprintf("unknown property %q", req.Prop)).WithComponent("dispatch")
		}
		if desc.Storage == schema.BlobProperty {
			rc, mimeType, err := dir.GetBlob(req.GUID, req.Prop)
			if err != nil {
				return nil, err
			}
			return router.StreamResult{Reader: rc, ContentType: mimeType}, nil
		}
		props, err := dir.Get(req.GUID)
		if err != nil {
			return nil, err
		}
		if layerHasDeleted(props["layer"]) {
			return nil, errors.New(errors.ErrCodeDocumentDeleted, "document deleted").
				WithComponent("dispatch").WithDetail("guid", req.GUID)
		}
		v, ok := props[req.Prop]
		if !ok {
			return nil, errors.New(errors.ErrCodePropertyNotFound,
				fmt.Sprintf("property %q not set", req.Prop)).WithComponent("dispatch")
		}
		resp.ContentType = "application/json"
		return v, nil
	}
}

// setPropertyCommand writes one property, mirroring
// VolumeCommands.update_prop's "wrap the scalar body into {prop: value}
// and delegate to update" for stored properties, and Directory.SetBlob
// directly for BLOB properties (whose body is the raw upload, not JSON).
func setPropertyCommand(vol *volume.Volume) dispatch.Callback {
	return func(req *types.Request, resp *types.Response) (interface{}, error) {
		dir, err := resolveDirectory(vol, req.Document)
		if err != nil {
			return nil, err
		}
		desc := dir.Meta().Get(req.Prop)
		if desc == nil {
			return nil, errors.New(errors.ErrCodePropertyNotFound,
				fmt.Sprintf("unknown property %q", req.Prop)).WithComponent("dispatch")
		}
		if desc.Storage == schema.BlobProperty {
			if req.Payload.Stream == nil {
				return nil, errors.New(errors.ErrCodeBadRequest, "blob property requires a request body").
					WithComponent("dispatch")
			}
			if err := dir.SetBlob(req.GUID, req.Prop, req.Payload.Stream, req.Payload.MimeType); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if err := dir.Update(req.GUID, map[string]interface{}{req.Prop: req.Payload.Raw}); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// rejectDeletedDocument is the document-get post hook that raises
// DOCUMENT_DELETED once a document's layer carries "deleted", mirroring
// _NodeCommands_get_post: `enforce('deleted' not in doc['layer'],
// ad.NotFound, 'Document deleted')`.
func rejectDeletedDocument(req *types.Request, result interface{}) (interface{}, error) {
	props, ok := result.(map[string]interface{})
	if !ok {
		return result, nil
	}
	if layerHasDeleted(props["layer"]) {
		return nil, errors.New(errors.ErrCodeDocumentDeleted, "document deleted").
			WithComponent("dispatch").WithDetail("guid", req.GUID)
	}
	return result, nil
}

func layerHasDeleted(layer interface{}) bool {
	switch v := layer.(type) {
	case []interface{}:
		for _, item := range v {
			if item == "deleted" {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == "deleted" {
				return true
			}
		}
	}
	return false
}

// defaultLayerFilter defaults an unset layer filter to ["public"] and
// strips any explicitly requested "deleted" layer, mirroring
// _NodeCommands_find_pre: `request['layer'] = request.get('layer',
// ['public'])`, with a stripped "deleted" logged rather than honored.
func defaultLayerFilter(req *types.Request) error {
	raw, ok := req.Args["layer"]
	if !ok {
		req.Args["layer"] = []string{"public"}
		return nil
	}
	values := toStringSlice(raw)
	out := values[:0:0]
	stripped := false
	for _, v := range values {
		if v == "deleted" {
			stripped = true
			continue
		}
		out = append(out, v)
	}
	if stripped {
		log.Printf("dispatch: stripped \"deleted\" from requested layer filter for document %q", req.Document)
	}
	req.Args["layer"] = out
	return nil
}

func toStringSlice(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

// buildQuery translates a find request's arguments into an index.Query:
// offset/limit/order_by/group_by map onto their Query fields directly,
// and any remaining argument naming a term-indexed property becomes a
// Terms constraint, the way VolumeCommands.find passes **request
// straight through to volume[document].find.
func buildQuery(meta *schema.Metadata, args map[string]interface{}) *index.Query {
	q := &index.Query{Terms: map[string]interface{}{}}
	for k, v := range args {
		switch k {
		case "offset":
			q.Offset = argInt(v)
		case "limit":
			q.Limit = argInt(v)
		case "order_by":
			q.OrderBy = fmt.Sprintf("%v", v)
		case "group_by":
			q.GroupBy = fmt.Sprintf("%v", v)
		case "reply", "cmd", "principal":
			continue
		default:
			desc := meta.Get(k)
			if desc == nil {
				continue
			}
			switch desc.Storage {
			case schema.IndexedTerm, schema.IndexedSlot, schema.IndexedFullText:
				q.Terms[k] = v
			}
		}
	}
	return q
}

func argInt(v interface{}) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case float64:
		return int(t)
	case string:
		n := 0
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

// replyProperties returns the property names find should project into
// each result, defaulting to just guid.
func replyProperties(raw interface{}) []string {
	if raw == nil {
		return []string{"guid"}
	}
	switch v := raw.(type) {
	case []string:
		if len(v) == 0 {
			return []string{"guid"}
		}
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		if len(out) == 0 {
			return []string{"guid"}
		}
		return out
	case string:
		if v == "" {
			return []string{"guid"}
		}
		return strings.Split(v, ",")
	default:
		return []string{"guid"}
	}
}

func projectReply(props map[string]interface{}, guid string, reply []string) map[string]interface{} {
	out := map[string]interface{}{"guid": guid}
	for _, name := range reply {
		if name == "guid" {
			continue
		}
		if v, ok := props[name]; ok {
			out[name] = v
		}
	}
	return out
}
