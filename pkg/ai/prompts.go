package ai

const DedupePrompt = `
# Task Context
You are a helpful assistant that keeps a knowledge graph free of duplicate entities. New entities were extracted from a document and must be matched against entities that already exist in the knowledge base.

# Background Data
%s

# Detailed Task Description & Rules
- Find entities that are duplicates of each other based on their name and type.
- Consider entities as duplicates if they represent the same real-world entity despite minor naming differences.
- Be careful: entities with distinct identities should remain separate (e.g., "EWE", "EWE AG", "EWE TEL" are separate entities).
- Entities of different types are never duplicates.
- When a group contains an entity marked "Origin: existing", its name MUST be the canonical name.
- Consider variations such as:
  * Case differences (e.g., "Acme Corp" vs "ACME CORP")
  * Added legal entity suffixes (e.g., "IBM" vs "IBM Corporation")
  * Abbreviations and full names (e.g., "AT&T" vs "American Telephone and Telegraph")
  * Whitespace, punctuation and full-width/half-width differences (e.g., "藏戏面具" vs "藏戏 面具")

# Examples
Consider these as duplicates:
- "Microsoft" and "Microsoft Corporation"
- "Google LLC" and "Google"
- "布达拉宫" and "布达拉 宫"

Do NOT consider these as duplicates:
- "EWE" and "EWE AG" (different legal entities)
- "Amazon" and "Amazon Web Services" (different business units)
- "拉萨" (city) and "拉萨河" (river)

# Output Formatting
Return a JSON object listing only groups with at least two members:
{
  "duplicates": [
    {
      "canonicalName": "<chosen final name>",
      "entities": ["<name1>", "<name2>"]
    }
  ]
}
`

const ExtractPrompt = `
# Task Context
You build a knowledge graph from document chunks. Read the chunk provided by the user and extract entities, their attributes, and the relations between entities.

# Schema
%s

# Detailed Task Description & Rules
- Entities are concrete, named things: people, organizations, places, works, artifacts, events, concepts.
- Use the exact surface form from the text as entity name. Do not translate names.
- If a schema is given, set "type" to one of its entity types; otherwise choose a short descriptive type.
- Attributes describe a single entity and are written as "<attribute name>：<value>" (e.g., "材质：布料、皮革、木材").
- Relations connect two extracted entities with a short predicate in the language of the document (e.g., "位于", "founded").
- Every entity referenced in a relation or attribute must appear in the entity list.
- Do not invent information that is not stated in the chunk.

# Output Formatting
Return JSON matching the provided schema. Write descriptions in the language of the document.
`

// CommunityReportPrompt is rendered by plain {variable} substitution, so
// literal braces in the example are doubled and collapsed afterwards.
const CommunityReportPrompt = `
# Goal
Write a comprehensive report of a community of entities in a knowledge graph. The report will inform decision-makers about the entities, how they relate to each other, and what is notable about them.

# Report Structure
The report must include:
- TITLE: a short but specific community name that contains representative entity names.
- SUMMARY: an executive summary of the community's overall structure and its key entities.
- IMPACT SEVERITY RATING: a float between 0 and 10 rating how important the community is.
- RATING EXPLANATION: one sentence explaining the rating.
- DETAILED FINDINGS: 5-10 key insights, each with a short summary and an explanatory paragraph grounded in the data.

Return output as a well-formed JSON-formatted string with the following format:
{{
    "title": <report_title>,
    "summary": <executive_summary>,
    "rating": <impact_severity_rating>,
    "rating_explanation": <rating_explanation>,
    "findings": [
        {{
            "summary": <insight_1_summary>,
            "explanation": <insight_1_explanation>
        }}
    ]
}}

# Grounding Rules
Do not include information where the supporting evidence is not provided in the data tables. Write the report in the language used by the entities.

# Data

Entities

{entity_df}

Relationships

{relation_df}

Output:`

// AttributeReportPrompt describes the group of entities that share one
// attribute value.
const AttributeReportPrompt = `
# Goal
Several entities in a knowledge graph share the attribute "{attribute}". Write a report describing what these entities have in common and how they differ.

# Report Structure
Return output as a well-formed JSON-formatted string with the following format:
{{
    "title": <short title naming the shared attribute>,
    "summary": <executive summary of the entity group>,
    "rating": <float between 0 and 10 rating the importance of the group>,
    "rating_explanation": <one sentence>,
    "findings": [
        {{
            "summary": <insight summary>,
            "explanation": <insight explanation>
        }}
    ]
}}

# Grounding Rules
Use only the data below. Write the report in the language used by the entities.

# Data

Attribute: {attribute}

Entities

{entity_df}

Output:`

const SuperNodePrompt = `
# Task Context
You name clusters of related entities in a knowledge graph. Each cluster lists its most central member ("center"), up to ten members and its total size.

# Background Data
%s

# Detailed Task Description & Rules
- Give every cluster a concise, specific name (2-8 words) that captures what its members have in common.
- Write a one or two sentence summary per cluster.
- Use the language of the member names.
- Keep the "id" of each cluster unchanged.

# Output Formatting
Return only a JSON array:
[
  {"id": <cluster id>, "name": "<cluster name>", "summary": "<cluster summary>"}
]
`
