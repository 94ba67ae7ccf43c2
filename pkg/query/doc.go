/*
Package query parses and evaluates target filter queries.

The syntax is an RSQL/FIQL subset: comparisons (==, != with * wildcards),
set membership (=in=, =out=), ';' for AND, ',' for OR and parentheses for
grouping. Queryable fields are the fixed target fields (id, controllerid,
name, description, updatestatus, assignedds, installedds) plus arbitrary
device attributes via the attribute. prefix:

	name==gateway*;attribute.region=in=(eu-west,eu-central)

Parsing validates field names and syntax up front and returns
types.ErrInvalidQuerySyntax, so a malformed query is rejected before a
rollout or filter referencing it is ever persisted. A parsed Filter is an
immutable AST evaluated in memory against one target at a time; matching
is case-insensitive.
*/
package query
